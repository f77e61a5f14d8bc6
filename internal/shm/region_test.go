package shm

import (
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachDestroy(t *testing.T) {
	dir := t.TempDir()
	key := int32(42)

	owner, err := Create(dir, key, 256, TypeServer)
	require.NoError(t, err)
	require.Equal(t, StatusValid, owner.Status())

	viewer, err := Attach(dir, key, TypeServer, true)
	require.NoError(t, err)
	require.NoError(t, viewer.Close())

	_, err = Attach(dir, key, TypeMonitor, true)
	require.Error(t, err)

	require.NoError(t, owner.Destroy())

	_, err = Attach(dir, key, TypeServer, true)
	require.Error(t, err)
}

func TestRobustMutexRecoversFromDeadOwner(t *testing.T) {
	dir := t.TempDir()
	r, err := Create(dir, 7, 64, TypeServer)
	require.NoError(t, err)
	defer r.Destroy()

	mu := r.Mutex()
	require.True(t, mu.TryLock())
	require.False(t, mu.TryLock())
	mu.Unlock()
	require.True(t, mu.TryLock())
	mu.Unlock()

	// Record the pid of a child that has already exited and been
	// reaped as the owner: TryLock must see the dead owner and take over.
	child := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, child.Run())
	atomic.StoreInt32(mu.slot, int32(child.Process.Pid))
	require.True(t, mu.TryLock())
	mu.Unlock()
}

func TestMasterRegionReadWriteModify(t *testing.T) {
	dir := t.TempDir()

	owner, err := CreateMaster(dir)
	require.NoError(t, err)
	defer owner.Destroy()

	err = owner.Write(MasterView{
		Children: []ChildInfo{{Key: 2, Type: TypeServer, Name: "db1"}},
		Nodes: []HBNodeSnapshot{
			{HostIP: "10.0.0.1", Priority: 1, Score: 100, LastRecvHBTime: time.Unix(1000, 0)},
		},
	})
	require.NoError(t, err)

	view, err := owner.Read()
	require.NoError(t, err)
	require.Len(t, view.Children, 1)
	require.Equal(t, "db1", view.Children[0].Name)

	err = owner.Modify(func(v MasterView) MasterView {
		v.Shards = append(v.Shards, ShardEntry{GroupID: 1, NodeIP: "10.0.0.1"})
		return v
	})
	require.NoError(t, err)

	view, err = owner.Read()
	require.NoError(t, err)
	require.Len(t, view.Shards, 1)
	require.Equal(t, int32(1), view.Shards[0].GroupID)

	viewer, err := AttachMaster(dir, true)
	require.NoError(t, err)
	defer viewer.Close()

	view2, err := viewer.Read()
	require.NoError(t, err)
	require.Equal(t, view.Shards, view2.Shards)
}
