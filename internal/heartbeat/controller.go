// Package heartbeat implements the heartbeat controller: UDP gossip
// between cluster nodes, the best-effort master-election state
// machine, split-brain failback, and the resource manager that
// fork/execs the per-database rye_server/rye_repl child processes.
//
// Grounded on spec.md §4.4 and original_source's
// master_heartbeat.c. The election here is intentionally NOT
// hashicorp/raft (cuemby-warren/pkg/manager's strongly-consistent
// state machine): it is a best-effort scoring protocol that tolerates
// a transient double-master state, resolved by failback rather than a
// single-leader log — a different consistency model than Raft
// provides. See DESIGN.md for the dropped-dependency rationale.
package heartbeat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/internal/walproto"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// MissedBeatsForDead is how many consecutive missed heartbeats from
// the current master mark it dead and trigger an election.
const MissedBeatsForDead = 3

// Config configures a Controller.
type Config struct {
	SelfIP       string
	Priority     int
	Peers        []string // other nodes' host:port
	ListenAddr   string
	Interval     time.Duration
	PacketConn   net.PacketConn // overridable for tests
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
}

// Controller runs the gossip loop and election state machine for one
// node.
type Controller struct {
	cfg   Config
	queue *JobQueue
	conn  net.PacketConn

	mu    sync.Mutex
	nodes map[string]*types.Node
	self  *types.Node
	term  int64

	onStateChange func(types.NodeState)
}

// New constructs a Controller; call Run to start gossiping.
func New(cfg Config) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:   cfg,
		queue: NewJobQueue(),
		nodes: make(map[string]*types.Node),
	}
	c.self = &types.Node{
		Info:     types.NodeInfo{IP: cfg.SelfIP},
		Priority: cfg.Priority,
		State:    types.NodeSlave,
	}
	c.nodes[cfg.SelfIP] = c.self
	for _, p := range cfg.Peers {
		c.nodes[p] = &types.Node{Info: types.NodeInfo{IP: p}, State: types.NodeUnknown}
	}
	return c
}

// OnStateChange registers a callback invoked whenever the local
// node's state transitions.
func (c *Controller) OnStateChange(fn func(types.NodeState)) { c.onStateChange = fn }

// SelfState returns the local node's current election state.
func (c *Controller) SelfState() types.NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.State
}

// Run starts the gossip send loop and the receive loop, blocking until
// ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	conn := c.cfg.PacketConn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", c.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("heartbeat: listen %s: %w", c.cfg.ListenAddr, err)
		}
		defer conn.Close()
	}
	c.conn = conn

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.sendLoop(ctx) }()
	go func() { defer wg.Done(); c.recvLoop(ctx) }()
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.broadcast(walproto.HBPing)
			c.checkMasterLiveness()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) recvLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.Interval))
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		dgram, err := walproto.Decode(buf[:n])
		if err != nil {
			continue
		}
		c.handle(dgram)
	}
}

func (c *Controller) broadcast(kind walproto.HBKind) {
	c.mu.Lock()
	dgram := walproto.HBDatagram{
		Kind:     kind,
		SenderIP: c.cfg.SelfIP,
		SentAt:   time.Now(),
		Nodes:    c.snapshotNodesLocked(),
	}
	peers := append([]string{}, c.cfg.Peers...)
	c.mu.Unlock()

	data := walproto.Encode(dgram)
	for _, peer := range peers {
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			continue
		}
		c.conn.WriteTo(data, addr)
	}
}

func (c *Controller) snapshotNodesLocked() []walproto.HBNode {
	out := make([]walproto.HBNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, walproto.HBNode{HostIP: n.Info.IP, Priority: int32(n.Priority), State: n.State, Score: int32(n.Score)})
	}
	return out
}

func (c *Controller) handle(dgram walproto.HBDatagram) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender, ok := c.nodes[dgram.SenderIP]
	if !ok {
		sender = &types.Node{Info: types.NodeInfo{IP: dgram.SenderIP}}
		c.nodes[dgram.SenderIP] = sender
	}
	sender.LastRecvHBTime = time.Now()
	sender.HeartbeatGap = 0
	rmetrics.HeartbeatGap.WithLabelValues(dgram.SenderIP).Set(0)

	for _, n := range dgram.Nodes {
		if n.HostIP == c.cfg.SelfIP {
			continue
		}
		node, ok := c.nodes[n.HostIP]
		if !ok {
			node = &types.Node{Info: types.NodeInfo{IP: n.HostIP}}
			c.nodes[n.HostIP] = node
		}
		node.Priority = int(n.Priority)
		node.Score = int(n.Score)
	}

	switch dgram.Kind {
	case walproto.HBElectionNotify:
		c.handleElectionNotifyLocked(dgram)
	case walproto.HBElectionAck:
		// Quorum counting is approximated: any ack while ToBeMaster
		// advances straight to Master (best-effort, per spec.md §4.4;
		// a wrong promotion is corrected by failback below).
		if c.self.State == types.NodeToBeMaster {
			c.transitionLocked(types.NodeMaster)
		}
	}
}

// handleElectionNotifyLocked implements the scoring/failback rule: a
// lower Priority number wins; on a tie the lexicographically smaller
// IP wins. A live Master that loses to a notifying node steps down
// rather than contest it, so double-master states are self-resolving.
func (c *Controller) handleElectionNotifyLocked(dgram walproto.HBDatagram) {
	sender := c.nodes[dgram.SenderIP]
	if sender == nil {
		return
	}
	if c.winsOverLocked(sender) {
		return // we outrank the notifier; ignore, keep campaigning ourselves
	}

	switch c.self.State {
	case types.NodeMaster, types.NodeToBeMaster:
		rlog.WithComponent("heartbeat").Warn().Msg("stepping down: higher-priority node is notifying election")
		c.transitionLocked(types.NodeToBeSlave)
	}
	c.sendAck(dgram.SenderIP)
}

func (c *Controller) winsOverLocked(other *types.Node) bool {
	if c.self.Priority != other.Priority {
		return c.self.Priority < other.Priority
	}
	return c.self.Info.IP < other.Info.IP
}

func (c *Controller) sendAck(toIP string) {
	addr, err := net.ResolveUDPAddr("udp", toIP)
	if err != nil {
		return
	}
	data := walproto.Encode(walproto.HBDatagram{Kind: walproto.HBElectionAck, SenderIP: c.cfg.SelfIP, SentAt: time.Now()})
	c.conn.WriteTo(data, addr)
}

// checkMasterLiveness scans tracked nodes for a master that has
// missed MissedBeatsForDead beats and, if the local node would win an
// election against every other live node, starts campaigning.
func (c *Controller) checkMasterLiveness() {
	c.mu.Lock()
	defer c.mu.Unlock()

	haveLiveMaster := false
	for _, n := range c.nodes {
		if n.Info.IP == c.cfg.SelfIP {
			continue
		}
		if !n.LastRecvHBTime.IsZero() {
			gap := int(time.Since(n.LastRecvHBTime) / c.cfg.Interval)
			n.HeartbeatGap = gap
			rmetrics.HeartbeatGap.WithLabelValues(n.Info.IP).Set(float64(gap))
			if n.State == types.NodeMaster && gap < MissedBeatsForDead {
				haveLiveMaster = true
			}
		}
	}

	if haveLiveMaster || c.self.State == types.NodeMaster || c.self.State == types.NodeToBeMaster {
		return
	}

	for _, n := range c.nodes {
		if n.Info.IP == c.cfg.SelfIP {
			continue
		}
		if n.LastRecvHBTime.IsZero() || n.HeartbeatGap >= MissedBeatsForDead {
			continue // not live: does not contest the election
		}
		if !c.winsOverLocked(n) {
			return // someone else should lead
		}
	}

	c.term++
	c.transitionLocked(types.NodeToBeMaster)
	c.mu.Unlock()
	c.broadcast(walproto.HBElectionNotify)
	c.mu.Lock()
}

func (c *Controller) transitionLocked(state types.NodeState) {
	c.self.State = state
	rmetrics.NodeScore.WithLabelValues(c.cfg.SelfIP).Set(float64(c.self.Score))
	if c.onStateChange != nil {
		fn := c.onStateChange
		s := state
		go fn(s)
	}
}

// Snapshot returns a copy of every tracked node, for publishing into
// the SHM master region's node table.
func (c *Controller) Snapshot() []*types.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}
