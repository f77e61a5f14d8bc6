// Package analyzer implements the log analyzer: the single goroutine
// that walks decoded log records in LSA order, tracks in-flight
// transactions, and dispatches each transaction's replication items to
// the correct applier lane once the transaction commits.
//
// Grounded on spec.md §4.10 and original_source's repl_analyzer.c.
// Transaction bookkeeping replaces the original's walking mht_map
// (DESIGN NOTES §9) with a hash map of *logrec.Tran handles for O(1)
// lookup by trid, plus a github.com/google/btree ordered index keyed
// by tran_end_lsa supporting the committed-sweep that advances
// required_lsa once every applier has caught up past a commit.
package analyzer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"

	"github.com/rye-db/rye/internal/replication/catalog"
	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// appliedTimeNode is one entry of the analyzer's source-applied-time
// FIFO: the wall-clock time the master entered a reported HA state,
// used to compute source_applied_time/replication_delay, mirroring
// original_source's q_applied_time queue.
type appliedTimeNode struct {
	serverState string
	observedAt  time.Time
}

// Lane is one applier's inbound item channel. Lane 0 is the DDL lane;
// lanes 1..NShardLanes are shard-keyed, and lane 1 (GlobalApplierIndex)
// also receives GLOBAL_GROUPID items.
type Lane struct {
	Items chan *logrec.Item
}

// Config configures an Analyzer.
type Config struct {
	NShardLanes int // number of shard-keyed lanes, excluding the DDL lane
	LaneBuffer  int
	Store       catalog.Store
	HostIP      string
	// OnRoleChanged is invoked when the master's reported HA state
	// leaves {master, slave, to-be-slave} while this analyzer is
	// tracking it, mirroring original_source's is_role_changed flag
	// that releases the per-database advisory lock at the next commit
	// point. Optional.
	OnRoleChanged func()
}

func (c *Config) setDefaults() {
	if c.NShardLanes < 1 {
		c.NShardLanes = 1
	}
	if c.LaneBuffer < 1 {
		c.LaneBuffer = 256
	}
}

// Analyzer tracks in-flight transactions and fans out their committed
// items to applier lanes.
type Analyzer struct {
	cfg   Config
	Lanes []*Lane // index 0 = DDL lane; 1..N = shard lanes (1 also global)

	mu           sync.Mutex
	open         map[int64]*logrec.Tran
	openItems    map[int64][]*logrec.Item
	committed    *btree.BTreeG[*logrec.Tran]
	currentLSA   types.LSA
	appliedFIFO  []appliedTimeNode
	roleChanged  bool
}

func tranLess(a, b *logrec.Tran) bool {
	if a.TranEndLSA.PageID != b.TranEndLSA.PageID {
		return a.TranEndLSA.PageID < b.TranEndLSA.PageID
	}
	if a.TranEndLSA.Offset != b.TranEndLSA.Offset {
		return a.TranEndLSA.Offset < b.TranEndLSA.Offset
	}
	return a.Trid < b.Trid
}

// New constructs an Analyzer with NShardLanes+1 lanes (lane 0 is DDL).
func New(cfg Config) *Analyzer {
	cfg.setDefaults()
	a := &Analyzer{
		cfg:       cfg,
		open:      make(map[int64]*logrec.Tran),
		openItems: make(map[int64][]*logrec.Item),
		committed: btree.NewG(32, tranLess),
	}
	a.Lanes = make([]*Lane, cfg.NShardLanes+1)
	for i := range a.Lanes {
		a.Lanes[i] = &Lane{Items: make(chan *logrec.Item, cfg.LaneBuffer)}
	}
	return a
}

// laneFor implements spec.md §4.10's applier-index selection: DDL
// items always go to lane 0; a GLOBAL_GROUPID data item goes to the
// global lane (1) unless its class is the shard-group-skey info
// table, in which case — like any other data item — it routes by
// hashing its primary-key descriptor (IdxKey), never the group id.
func (a *Analyzer) laneFor(item *logrec.Item) int {
	switch {
	case item.Schema != nil:
		return 0
	case item.Data != nil && item.Data.GroupID == logrec.GlobalGroupID && item.Data.ClassName != logrec.ShardGroupSKeyClassName:
		return logrec.GlobalApplierIndex
	case item.Data != nil:
		return a.shardLane(item.Data.IdxKey)
	default:
		return 0
	}
}

// shardLane hashes a primary-key descriptor to one of the NShardLanes
// shard-keyed lanes (indices 1..NShardLanes), per spec.md §4.10's
// "hash(first PK column) mod (N_APPLIERS-1) + 1".
func (a *Analyzer) shardLane(pk []byte) int {
	return 1 + int(xxhash.Sum64(pk)%uint64(a.cfg.NShardLanes))
}

// ddlLaneIdle reports whether every shard lane is currently empty,
// the gate the DDL lane waits on before dispatching a blocking item
// (spec.md §4.10: DDL only runs when no shard applier is mid-replay).
func (a *Analyzer) ddlLaneIdle() bool {
	for i := 1; i < len(a.Lanes); i++ {
		if len(a.Lanes[i].Items) > 0 {
			return false
		}
	}
	return true
}

// Process consumes one decoded record, updating transaction state and
// dispatching items on commit. The LSA it advanced to is then reported
// by CurrentLSA.
func (a *Analyzer) Process(lsa types.LSA, rec logrec.Record) error {
	a.mu.Lock()
	a.currentLSA = lsa
	trid := rec.Header.Trid

	switch rec.Header.Type {
	case logrec.RecCommit:
		tran := a.open[trid]
		if tran == nil {
			a.mu.Unlock()
			return nil
		}
		tran.TranEndLSA = lsa
		items := a.openItems[trid]
		delete(a.open, trid)
		delete(a.openItems, trid)
		a.committed.ReplaceOrInsert(tran)
		a.mu.Unlock()
		return a.dispatch(items)

	case logrec.RecAbort:
		delete(a.open, trid)
		delete(a.openItems, trid)
		a.mu.Unlock()
		return nil

	case logrec.RecReplicationData, logrec.RecReplicationSchema:
		tran, ok := a.open[trid]
		if !ok {
			tran = &logrec.Tran{Trid: trid, TranStartLSA: lsa}
			a.open[trid] = tran
		}
		if rec.Item != nil {
			a.openItems[trid] = append(a.openItems[trid], rec.Item)
		}
		a.mu.Unlock()
		return nil

	case logrec.RecDummyUpdateGIDBitmap:
		// original_source's rp_set_repl_log handles this record exactly
		// like REPLICATION_DATA/SCHEMA: it joins the current
		// transaction's pending item list and is dispatched at commit,
		// not applied standalone. The item itself always lands on the
		// DDL lane and blocks the other appliers, since a bitmap update
		// must never interleave with shard-key rows still in flight.
		tran, ok := a.open[trid]
		if !ok {
			tran = &logrec.Tran{Trid: trid, TranStartLSA: lsa}
			a.open[trid] = tran
		}
		item := &logrec.Item{
			Trid: trid,
			Catalog: &logrec.CatalogItem{
				ClassName: logrec.GIDBitmapClassName,
				Op:        logrec.CopyareaAnalyzerUpdate,
				SourceLSA: lsa,
			},
			Blocking: true,
		}
		a.openItems[trid] = append(a.openItems[trid], item)
		a.mu.Unlock()
		return nil

	case logrec.RecDummyHAServerState:
		// Unlike every other record type, DUMMY_HA_SERVER_STATE is
		// excluded from transaction bookkeeping entirely and processed
		// immediately (original_source guards this record out of its
		// find-or-create-transaction branch).
		if rec.Item != nil && rec.Item.HAState != nil {
			state := rec.Item.HAState
			a.appliedFIFO = append(a.appliedFIFO, appliedTimeNode{serverState: state.ServerState, observedAt: state.ObservedAt})
			switch types.NodeState(state.ServerState) {
			case types.NodeMaster, types.NodeSlave, types.NodeToBeSlave:
			default:
				a.roleChanged = true
				if a.cfg.OnRoleChanged != nil {
					a.cfg.OnRoleChanged()
				}
			}
		}
		a.mu.Unlock()
		return nil

	case logrec.RecDummyCrashRecovery:
		a.mu.Unlock()
		return nil

	default:
		a.mu.Unlock()
		return nil
	}
}

// DrainAppliedTime pops every FIFO entry observed so far and returns
// the most recent one (the value source_applied_time/replication_delay
// reporting should use), or the zero value if none arrived since the
// last drain.
func (a *Analyzer) DrainAppliedTime() (serverState string, observedAt time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.appliedFIFO) == 0 {
		return "", time.Time{}, false
	}
	last := a.appliedFIFO[len(a.appliedFIFO)-1]
	a.appliedFIFO = a.appliedFIFO[:0]
	return last.serverState, last.observedAt, true
}

// RoleChanged reports and clears the is_role_changed flag set when the
// master's reported HA state last left {master, slave, to-be-slave}.
func (a *Analyzer) RoleChanged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := a.roleChanged
	a.roleChanged = false
	return changed
}

// CurrentLSA returns the LSA the analyzer last advanced to, the
// position the writer's ha_info.eof_lsa should track.
func (a *Analyzer) CurrentLSA() types.LSA {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentLSA
}

// dispatch hands committed items to their applier lane. Blocking items
// (DDL, group-bitmap updates) additionally wait for every shard lane
// to drain before dispatch, then wait for the applier's commit
// acknowledgement before the next item in the transaction is sent, per
// spec.md §4.10.
func (a *Analyzer) dispatch(items []*logrec.Item) error {
	for _, item := range items {
		lane := a.laneFor(item)
		if lane == 0 {
			item.Blocking = true
		}
		if item.Blocking {
			for !a.ddlLaneIdle() {
				time.Sleep(time.Millisecond)
			}
			item.Done = make(chan struct{})
		}
		select {
		case a.Lanes[lane].Items <- item:
		default:
			rmetrics.AnalyzerQueueFull.Inc()
			a.Lanes[lane].Items <- item // block: lane is a bounded backpressure point, not a drop point
		}
		if item.Blocking {
			<-item.Done
		}
	}
	return nil
}

// RequiredLSA is the oldest LSA the writer must still retain: the
// start of the oldest open transaction, or the analyzer's current
// position if no transaction is open.
func (a *Analyzer) RequiredLSA() types.LSA {
	a.mu.Lock()
	defer a.mu.Unlock()

	required := a.currentLSA
	for _, tran := range a.open {
		if tran.TranStartLSA.Less(required) {
			required = tran.TranStartLSA
		}
	}
	return required
}

// PurgeAppliedBelow drops committed-transaction bookkeeping for every
// transaction whose end LSA is at or before appliedLSA (i.e. every
// applier lane has already processed it), bounding the btree's size to
// the in-flight replication window rather than the whole log.
func (a *Analyzer) PurgeAppliedBelow(appliedLSA types.LSA) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var toRemove []*logrec.Tran
	a.committed.Ascend(func(t *logrec.Tran) bool {
		if appliedLSA.Less(t.TranEndLSA) {
			return false
		}
		toRemove = append(toRemove, t)
		return true
	})
	for _, t := range toRemove {
		a.committed.Delete(t)
	}
	return len(toRemove)
}

// PersistProgress records the analyzer's durable progress row. If the
// master has reported an HA-server-state transition since the last
// call, SourceAppliedTime reflects that transition's observed time
// instead of the call's own wall clock, matching original_source's
// q_applied_time-derived reporting.
func (a *Analyzer) PersistProgress(requiredLSA types.LSA) error {
	sourceAppliedTime := time.Now()
	if _, observedAt, ok := a.DrainAppliedTime(); ok {
		sourceAppliedTime = observedAt
	}
	row := &catalog.AnalyzerRow{
		HostIP:            a.cfg.HostIP,
		CurrentLSA:        a.currentLSA,
		RequiredLSA:       requiredLSA,
		SourceAppliedTime: sourceAppliedTime,
		RecordedAt:        time.Now(),
	}
	if err := a.cfg.Store.PutAnalyzerRow(row); err != nil {
		return fmt.Errorf("analyzer: persist progress: %w", err)
	}
	return nil
}
