package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketApplier  = []byte("log_applier")
	bucketAnalyzer = []byte("log_analyzer")
	bucketWriter   = []byte("log_writer")

	analyzerKey = []byte("singleton")
	writerKey   = []byte("singleton")
)

var _ Store = (*BoltStore)(nil)

// BoltStore is a bbolt-backed Store, one database file per replicated
// database, following cuemby-warren's storage.BoltStore lifecycle
// (buckets created up front, JSON-encoded values, upsert == create).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the catalog database for
// dbName under dataDir.
func NewBoltStore(dataDir string, dbName string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, dbName+"_catalog.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketApplier, bucketAnalyzer, bucketWriter} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) GetApplierRow(id int) (*ApplierRow, error) {
	var row ApplierRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApplier).Get([]byte(strconv.Itoa(id)))
		if data == nil {
			return fmt.Errorf("applier row %d: not found", id)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *BoltStore) PutApplierRow(row *ApplierRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketApplier).Put([]byte(strconv.Itoa(row.ID)), data)
	})
}

func (s *BoltStore) ListApplierRows() ([]*ApplierRow, error) {
	var rows []*ApplierRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplier).ForEach(func(k, v []byte) error {
			var row ApplierRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, &row)
			return nil
		})
	})
	return rows, err
}

func (s *BoltStore) GetAnalyzerRow() (*AnalyzerRow, error) {
	var row AnalyzerRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAnalyzer).Get(analyzerKey)
		if data == nil {
			return fmt.Errorf("analyzer row: not found")
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *BoltStore) PutAnalyzerRow(row *AnalyzerRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAnalyzer).Put(analyzerKey, data)
	})
}

func (s *BoltStore) GetWriterRow() (*WriterRow, error) {
	var row WriterRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWriter).Get(writerKey)
		if data == nil {
			return fmt.Errorf("writer row: not found")
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *BoltStore) PutWriterRow(row *WriterRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWriter).Put(writerKey, data)
	})
}
