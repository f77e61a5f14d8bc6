package pipeline

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/copier"
	"github.com/rye-db/rye/internal/replication/dbclient"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
)

// buildPage serializes a ReplicationData record followed by a Commit
// record for the same transaction into a single page buffer, enough
// to exercise the full copier->writer->analyzer->applier chain.
func buildPage(pageID int64, trid int64) []byte {
	data := logrec.EncodeRecord(logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: trid},
		Item: &logrec.Item{
			Trid: trid,
			Data: &logrec.DataItem{
				RCVIndex:  logrec.RCVInsert,
				GroupID:   logrec.GlobalGroupID,
				ClassName: "accounts",
				IdxKey:    []byte("k1"),
				Payload:   []byte("row1"),
				SourceLSA: types.LSA{PageID: pageID, Offset: 0},
			},
		},
	})
	commit := logrec.EncodeRecord(logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: trid},
	})

	page := make([]byte, logrec.PageSize)
	copy(page, data)
	copy(page[len(data):], commit)
	return page
}

func fakeUpstream(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	payload, err := walproto.ReadFrame(r)
	require.NoError(t, err)
	req, err := walproto.DecodeWALRequest(payload)
	require.NoError(t, err)
	require.Equal(t, walproto.WALGetLogHeader, req.Code)
	require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeWALHeader(walproto.WALHeaderResponse{
		PageSize: logrec.PageSize,
		NPages:   1000,
		FPageID:  1,
		EOFLSA:   types.LSA{PageID: 1, Offset: 0},
	})))

	payload, err = walproto.ReadFrame(r)
	require.NoError(t, err)
	req, err = walproto.DecodeWALRequest(payload)
	require.NoError(t, err)
	require.Equal(t, walproto.WALGetNextPages, req.Code)

	require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeWALPageBatch(walproto.WALPageBatch{
		FromPageID: 1,
		PageCount:  1,
		Data:       buildPage(1, 7),
	})))
}

func TestPipelineStreamsCommittedItemToApplier(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		fakeUpstream(t, ln)
		close(done)
	}()

	dir := t.TempDir()
	fake := dbclient.NewFake()

	p, err := New(Config{
		DBName:      "mydb",
		HostIP:      "10.0.0.1",
		MasterAddr:  ln.Addr().String(),
		ActivePath:  filepath.Join(dir, "active.vol"),
		ArchiveDir:  filepath.Join(dir, "archive"),
		NPages:      1000,
		FPageID:     1,
		NShardLanes: 1,
		LaneBuffer:  16,
		Store:       catalog.NewMemStore(),
		Client:      fake,
	})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go p.Run(ctx)
	<-done

	require.Eventually(t, func() bool {
		return len(fake.Rows["accounts"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []byte("row1"), fake.Rows["accounts"]["k1"])
}
