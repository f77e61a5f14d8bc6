package heartbeat

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
)

func TestJobQueuePopsInRunAtOrder(t *testing.T) {
	q := NewJobQueue()
	base := time.Now()
	q.Schedule(&Job{Kind: JobResourceSpawn, RunAt: base.Add(2 * time.Second)})
	q.Schedule(&Job{Kind: JobElectionTimeout, RunAt: base.Add(1 * time.Second)})

	assert.Nil(t, q.PopReady(base))

	first := q.PopReady(base.Add(1500 * time.Millisecond))
	require.NotNil(t, first)
	assert.Equal(t, JobElectionTimeout, first.Kind)

	assert.Nil(t, q.PopReady(base.Add(1500*time.Millisecond)))

	second := q.PopReady(base.Add(3 * time.Second))
	require.NotNil(t, second)
	assert.Equal(t, JobResourceSpawn, second.Kind)
}

func TestWinsOverLocked(t *testing.T) {
	c := New(Config{SelfIP: "10.0.0.1", Priority: 1})
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.winsOverLocked(&types.Node{Info: types.NodeInfo{IP: "10.0.0.2"}, Priority: 2}))
	assert.False(t, c.winsOverLocked(&types.Node{Info: types.NodeInfo{IP: "10.0.0.2"}, Priority: 0}))
}

func TestHandleElectionNotifyStepsDownWhenOutranked(t *testing.T) {
	c := New(Config{SelfIP: "10.0.0.2", Priority: 5, Peers: []string{"10.0.0.1:9"}})
	pc1, pc2 := net.Pipe()
	defer pc1.Close()
	defer pc2.Close()
	c.conn = fakePacketConn{}

	c.mu.Lock()
	c.self.State = types.NodeToBeMaster
	c.nodes["10.0.0.1"] = &types.Node{Info: types.NodeInfo{IP: "10.0.0.1"}, Priority: 1}
	c.handleElectionNotifyLocked(walproto.HBDatagram{SenderIP: "10.0.0.1"})
	state := c.self.State
	c.mu.Unlock()

	assert.Equal(t, types.NodeToBeSlave, state)
}

type fakePacketConn struct{ net.PacketConn }

func (fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }
func (fakePacketConn) Close() error                                  { return nil }
