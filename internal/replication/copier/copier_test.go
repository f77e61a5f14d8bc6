package copier

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
)

// fakeUpstream serves exactly one header request and a bounded
// number of page-batch requests before closing, enough to exercise
// Copier.Run's happy path without a real rye_server collaborator.
func fakeUpstream(t *testing.T, ln net.Listener, batches int) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	// header request
	payload, err := walproto.ReadFrame(r)
	require.NoError(t, err)
	req, err := walproto.DecodeWALRequest(payload)
	require.NoError(t, err)
	require.Equal(t, walproto.WALGetLogHeader, req.Code)
	require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeWALHeader(walproto.WALHeaderResponse{
		PageSize: logrec.PageSize,
		NPages:   1000,
		FPageID:  1,
		EOFLSA:   types.LSA{PageID: 100, Offset: 0},
	})))

	nextPageID := int64(1)
	for i := 0; i < batches; i++ {
		payload, err := walproto.ReadFrame(r)
		require.NoError(t, err)
		req, err := walproto.DecodeWALRequest(payload)
		require.NoError(t, err)
		require.Equal(t, walproto.WALGetNextPages, req.Code)

		data := make([]byte, logrec.PageSize)
		data[0] = byte(i + 1)
		require.NoError(t, walproto.WriteFrame(conn, walproto.EncodeWALPageBatch(walproto.WALPageBatch{
			FromPageID: nextPageID,
			PageCount:  1,
			Data:       data,
		})))
		nextPageID++
	}
}

func TestCopierStreamsPages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		fakeUpstream(t, ln, 3)
		close(done)
	}()

	c := New(Config{Addr: ln.Addr().String()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Run(ctx, 1)

	for i := 0; i < 3; i++ {
		select {
		case page := <-c.RecvQueue:
			require.Equal(t, int64(1+i), page.PageID)
			require.Equal(t, byte(i+1), page.Data[0])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for page %d", i)
		}
	}

	<-done
}
