package analyzer

import (
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
)

func lsa(page int64, offset int32) types.LSA { return types.LSA{PageID: page, Offset: offset} }

func TestCommitDispatchesBufferedItemsToShardLane(t *testing.T) {
	a := New(Config{NShardLanes: 2, Store: catalog.NewMemStore(), LaneBuffer: 8})

	pk := []byte("pk-5")
	item := &logrec.Item{Trid: 5, Data: &logrec.DataItem{GroupID: 4, ClassName: "t", IdxKey: pk}}
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 5},
		Item:   item,
	}))
	require.NoError(t, a.Process(lsa(1, 40), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: 5},
	}))

	lane := 1 + int(xxhash.Sum64(pk)%2)
	select {
	case got := <-a.Lanes[lane].Items:
		assert.Same(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("item never dispatched")
	}
}

func TestAbortDropsBufferedItems(t *testing.T) {
	a := New(Config{NShardLanes: 2, Store: catalog.NewMemStore()})

	item := &logrec.Item{Trid: 6, Data: &logrec.DataItem{GroupID: 0, ClassName: "t"}}
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 6},
		Item:   item,
	}))
	require.NoError(t, a.Process(lsa(1, 40), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecAbort, Trid: 6},
	}))

	select {
	case <-a.Lanes[logrec.GlobalApplierIndex].Items:
		t.Fatal("aborted transaction's item should not be dispatched")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalGroupIDRoutesToGlobalApplierLane(t *testing.T) {
	a := New(Config{NShardLanes: 2, Store: catalog.NewMemStore()})
	item := &logrec.Item{Trid: 1, Data: &logrec.DataItem{GroupID: logrec.GlobalGroupID, ClassName: "t"}}
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 1}, Item: item}))
	require.NoError(t, a.Process(lsa(1, 40), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: 1}}))

	select {
	case got := <-a.Lanes[logrec.GlobalApplierIndex].Items:
		assert.Same(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("global item never reached the global applier lane")
	}
}

func TestShardGroupSKeyClassRoutesByShardKeyNotGroupID(t *testing.T) {
	a := New(Config{NShardLanes: 2, Store: catalog.NewMemStore()})
	shardKey := []byte("shard-key-42")
	item := &logrec.Item{Trid: 2, Data: &logrec.DataItem{
		GroupID:   logrec.GlobalGroupID,
		ClassName: logrec.ShardGroupSKeyClassName,
		IdxKey:    shardKey,
	}}
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 2}, Item: item}))
	require.NoError(t, a.Process(lsa(1, 40), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: 2}}))

	lane := 1 + int(xxhash.Sum64(shardKey)%2)
	select {
	case got := <-a.Lanes[lane].Items:
		assert.Same(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("shard-group-skey item never reached its shard-keyed lane")
	}
}

func TestRequiredLSATracksOldestOpenTransaction(t *testing.T) {
	a := New(Config{NShardLanes: 1, Store: catalog.NewMemStore()})
	require.NoError(t, a.Process(lsa(5, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 1}}))
	require.NoError(t, a.Process(lsa(10, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 2}}))

	assert.Equal(t, lsa(5, 0), a.RequiredLSA())
}

func TestDummyUpdateGIDBitmapJoinsTransactionAsBlockingDDLItem(t *testing.T) {
	a := New(Config{NShardLanes: 2, Store: catalog.NewMemStore()})

	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecDummyUpdateGIDBitmap, Trid: 9},
	}))

	done := make(chan error, 1)
	go func() {
		done <- a.Process(lsa(1, 40), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: 9}})
	}()

	select {
	case got := <-a.Lanes[0].Items:
		assert.True(t, got.Blocking)
		require.NotNil(t, got.Catalog)
		assert.Equal(t, logrec.GIDBitmapClassName, got.Catalog.ClassName)
		close(got.Done) // simulate the applier's commit acknowledgement
	case <-time.After(time.Second):
		t.Fatal("gid-bitmap item never reached the DDL lane")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatch never returned after commit ack")
	}
}

func TestDummyHAServerStateRecordedImmediatelyOutsideTransaction(t *testing.T) {
	var roleChangedCalls int
	a := New(Config{NShardLanes: 1, Store: catalog.NewMemStore(), OnRoleChanged: func() { roleChangedCalls++ }})

	observedAt := time.Unix(1700000000, 0).UTC()
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecDummyHAServerState, Trid: 0},
		Item: &logrec.Item{HAState: &logrec.HAStateItem{
			ServerState: string(types.NodeSlave),
			ObservedAt:  observedAt,
		}},
	}))

	state, at, ok := a.DrainAppliedTime()
	require.True(t, ok)
	assert.Equal(t, string(types.NodeSlave), state)
	assert.True(t, at.Equal(observedAt))
	assert.False(t, a.RoleChanged(), "slave is not a role-changing state")
	assert.Zero(t, roleChangedCalls)

	require.NoError(t, a.Process(lsa(2, 0), logrec.Record{
		Header: logrec.RecordHeader{Type: logrec.RecDummyHAServerState, Trid: 0},
		Item: &logrec.Item{HAState: &logrec.HAStateItem{
			ServerState: string(types.NodeDead),
			ObservedAt:  observedAt.Add(time.Second),
		}},
	}))
	assert.True(t, a.RoleChanged())
	assert.Equal(t, 1, roleChangedCalls)
}

func TestPurgeAppliedBelowRemovesOldCommitted(t *testing.T) {
	a := New(Config{NShardLanes: 1, Store: catalog.NewMemStore()})
	require.NoError(t, a.Process(lsa(1, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecReplicationData, Trid: 1}}))
	require.NoError(t, a.Process(lsa(2, 0), logrec.Record{Header: logrec.RecordHeader{Type: logrec.RecCommit, Trid: 1}}))

	purged := a.PurgeAppliedBelow(lsa(5, 0))
	assert.Equal(t, 1, purged)
}
