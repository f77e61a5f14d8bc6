package applier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/dbclient"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
)

func TestLaneAppliesDataItemAndRecordsCommittedLSA(t *testing.T) {
	store := catalog.NewMemStore()
	client := dbclient.NewFake()
	items := make(chan *logrec.Item, 1)

	lane := &Lane{Index: 0, Items: items, Client: client, Store: store, HostIP: "10.0.0.1"}
	items <- &logrec.Item{Data: &logrec.DataItem{
		RCVIndex:  logrec.RCVInsert,
		ClassName: "accounts",
		IdxKey:    []byte("pk1"),
		Payload:   []byte("row"),
		SourceLSA: types.LSA{PageID: 5, Offset: 1},
	}}
	close(items)

	require.NoError(t, lane.Run(context.Background()))
	assert.Equal(t, types.LSA{PageID: 5, Offset: 1}, lane.CommittedLSA())
	assert.Equal(t, []byte("row"), client.Rows["accounts"]["pk1"])

	row, err := store.GetApplierRow(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.CommittedLSA.PageID)
}

func TestLaneRetriesTransientFailures(t *testing.T) {
	store := catalog.NewMemStore()
	client := dbclient.NewFake()
	client.FailNext = 2
	items := make(chan *logrec.Item, 1)

	lane := &Lane{Index: 0, Items: items, Client: client, Store: store, HostIP: "10.0.0.1"}
	items <- &logrec.Item{Data: &logrec.DataItem{ClassName: "t", IdxKey: []byte("k"), SourceLSA: types.LSA{PageID: 1}}}
	close(items)

	require.NoError(t, lane.Run(context.Background()))
	assert.Equal(t, int64(2), lane.retryCount)
}

func TestPoolMinCommittedLSAAcrossLanes(t *testing.T) {
	store := catalog.NewMemStore()
	client := dbclient.NewFake()
	ch1 := make(chan *logrec.Item, 1)
	ch2 := make(chan *logrec.Item, 1)

	pool := NewPool([]<-chan *logrec.Item{ch1, ch2}, client, store, "10.0.0.1")
	ch1 <- &logrec.Item{Data: &logrec.DataItem{ClassName: "a", SourceLSA: types.LSA{PageID: 10}}}
	ch2 <- &logrec.Item{Data: &logrec.DataItem{ClassName: "b", SourceLSA: types.LSA{PageID: 3}}}
	close(ch1)
	close(ch2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx))

	assert.Equal(t, types.LSA{PageID: 3}, pool.MinCommittedLSA())
}
