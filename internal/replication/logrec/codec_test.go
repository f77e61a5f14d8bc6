package logrec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/types"
)

func TestEncodeDecodeDataRecordRoundTrip(t *testing.T) {
	rec := Record{
		Header: RecordHeader{Type: RecReplicationData, Trid: 7, PrevLSA: types.LSA{PageID: 1, Offset: 2}},
		Item: &Item{
			Trid: 7,
			Data: &DataItem{
				RCVIndex:  RCVUpdate,
				GroupID:   3,
				ClassName: "accounts",
				IdxKey:    []byte{1, 2, 3},
				Payload:   []byte("row-bytes"),
				SourceLSA: types.LSA{PageID: 10, Offset: 20},
			},
			Blocking: false,
		},
	}

	encoded := EncodeRecord(rec)
	decoded, next, ok := DecodeRecordAt(encoded, 0)
	require.True(t, ok)
	assert.Equal(t, len(encoded), next)
	assert.Equal(t, rec.Header, decoded.Header)
	require.NotNil(t, decoded.Item.Data)
	assert.Equal(t, *rec.Item.Data, *decoded.Item.Data)
}

func TestEncodeDecodeHAServerStateRecordRoundTrip(t *testing.T) {
	observed := time.Unix(1700000000, 0).UTC()
	rec := Record{
		Header: RecordHeader{Type: RecDummyHAServerState},
		Item: &Item{
			HAState: &HAStateItem{ServerState: "dead", ObservedAt: observed},
		},
	}

	encoded := EncodeRecord(rec)
	decoded, _, ok := DecodeRecordAt(encoded, 0)
	require.True(t, ok)
	require.NotNil(t, decoded.Item.HAState)
	assert.Equal(t, "dead", decoded.Item.HAState.ServerState)
	assert.True(t, observed.Equal(decoded.Item.HAState.ObservedAt))
}

func TestArchiveHeaderRoundTrip(t *testing.T) {
	hdr := ArchiveHeader{
		DBCreateTime: time.Unix(1700000000, 0).UTC(),
		NextTrid:     42,
		FPageID:      1,
		ArvNum:       3,
		NPages:       1000,
	}
	page := EncodeArchiveHeader(hdr)
	decoded, err := DecodeArchiveHeader(page[:])
	require.NoError(t, err)
	assert.Equal(t, ArchiveHeaderMagic, decoded.Magic)
	assert.Equal(t, hdr.NextTrid, decoded.NextTrid)
	assert.Equal(t, hdr.FPageID, decoded.FPageID)
	assert.Equal(t, hdr.ArvNum, decoded.ArvNum)
	assert.Equal(t, hdr.NPages, decoded.NPages)
	assert.True(t, hdr.DBCreateTime.Equal(decoded.DBCreateTime))
}

func TestHeaderRoundTrip(t *testing.T) {
	hdr := Header{
		CreationTime:     time.Unix(1700000000, 0).UTC(),
		Prefix:           "demodb",
		PageSize:         PageSize,
		NPages:           1000,
		FPageID:          1,
		NextArchiveSeqNo: 5,
		NextArchiveStart: 4001,
		HA: HAInfo{
			LastFlushedPageID: 900,
			NxArvPageID:       4001,
			NxArvNum:          5,
			LastDeletedArvNum: 1,
			FileStatus:        FileStatusArchived,
			ServerState:       "master",
			PermStatus:        "active",
		},
		EOFLSA: types.LSA{PageID: 900, Offset: 64},
	}
	page := EncodeHeader(hdr)
	decoded, err := DecodeHeader(page[:])
	require.NoError(t, err)
	assert.Equal(t, HeaderMagic, decoded.Magic)
	assert.Equal(t, hdr.Prefix, decoded.Prefix)
	assert.Equal(t, hdr.PageSize, decoded.PageSize)
	assert.Equal(t, hdr.NPages, decoded.NPages)
	assert.Equal(t, hdr.FPageID, decoded.FPageID)
	assert.Equal(t, hdr.NextArchiveSeqNo, decoded.NextArchiveSeqNo)
	assert.Equal(t, hdr.NextArchiveStart, decoded.NextArchiveStart)
	assert.Equal(t, hdr.HA, decoded.HA)
	assert.Equal(t, hdr.EOFLSA, decoded.EOFLSA)
	assert.True(t, hdr.CreationTime.Equal(decoded.CreationTime))
}

func TestDecodeRecordAtReturnsFalseAtEnd(t *testing.T) {
	buf := make([]byte, 64)
	_, _, ok := DecodeRecordAt(buf, 0)
	assert.False(t, ok)
}

func TestMultipleRecordsPackSequentially(t *testing.T) {
	r1 := EncodeRecord(Record{Header: RecordHeader{Type: RecCommit, Trid: 1}})
	r2 := EncodeRecord(Record{Header: RecordHeader{Type: RecAbort, Trid: 2}})

	buf := append(append([]byte{}, r1...), r2...)

	dec1, next, ok := DecodeRecordAt(buf, 0)
	require.True(t, ok)
	assert.Equal(t, RecCommit, dec1.Header.Type)

	dec2, _, ok := DecodeRecordAt(buf, next)
	require.True(t, ok)
	assert.Equal(t, RecAbort, dec2.Header.Type)
	assert.Equal(t, int64(2), dec2.Header.Trid)
}
