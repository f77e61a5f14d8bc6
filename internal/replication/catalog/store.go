// Package catalog persists the durable synchronisation points of the
// replication pipeline: the log_applier, log_analyzer and log_writer
// progress rows described in spec.md §3. These are the rows a restart
// resumes from, so the store commits each write inside the owning
// agent's own transaction rather than batching across agents.
package catalog

import (
	"time"

	"github.com/rye-db/rye/internal/types"
)

// ApplierRow is the durable row for one applier lane (table
// log_applier in spec.md).
type ApplierRow struct {
	HostIP       string
	ID           int
	CommittedLSA types.LSA
	AppliedCount int64
	RetryCount   int64
	RecordedAt   time.Time // SPEC_FULL.md §3 supplement: last-write wall clock
}

// AnalyzerRow is the durable row for the analyzer (table log_analyzer).
type AnalyzerRow struct {
	HostIP             string
	CurrentLSA         types.LSA
	RequiredLSA        types.LSA
	SourceAppliedTime  time.Time
	CreationTime       time.Time
	QueueFullCount     int64
	RecordedAt         time.Time
}

// WriterRow is the durable row for the writer (table log_writer).
type WriterRow struct {
	HostIP            string
	LastFlushedPageID int64
	LastReceivedTime  time.Time
	EOFLSA            types.LSA
	RecordedAt        time.Time
}

// Store is the persistence interface the analyzer, writer, and
// applier lanes use for their progress rows. Each accessor is scoped
// to a single database (Rye replicates one DB per Store instance).
type Store interface {
	GetApplierRow(id int) (*ApplierRow, error)
	PutApplierRow(row *ApplierRow) error
	ListApplierRows() ([]*ApplierRow, error)

	GetAnalyzerRow() (*AnalyzerRow, error)
	PutAnalyzerRow(row *AnalyzerRow) error

	GetWriterRow() (*WriterRow, error)
	PutWriterRow(row *WriterRow) error

	Close() error
}
