package shm

import (
	"encoding/json"
	"fmt"
	"time"
)

// MasterKey is the well-known shm key for the per-node master region.
const MasterKey int32 = 1

// MasterPayloadSize bounds the JSON-encoded MasterView; generous
// enough for a few hundred child processes and heartbeat nodes.
const MasterPayloadSize = 256 * 1024

// ChildInfo names a child shm segment the viewer tool can attach to
// (one per registered rye_repl / rye_server process), per spec.md §4.1.
type ChildInfo struct {
	Key  int32
	Type RegionType
	Name string
}

// HBNodeSnapshot is the heartbeat controller's published view of one
// cluster node, read by the monitor/viewer without taking the
// heartbeat controller's own in-process lock.
type HBNodeSnapshot struct {
	HostIP         string
	Priority       int
	State          int
	Score          int
	HeartbeatGap   int
	LastRecvHBTime time.Time
}

// ShardEntry is one row of the shard-management table published for
// viewers (group id -> owning node).
type ShardEntry struct {
	GroupID int32
	NodeIP  string
}

// MasterView is the typed payload of the master shm region: the set
// of child segments, the heartbeat node table, and the shard
// management table, all guarded by the region's RobustMutex.
type MasterView struct {
	Children      []ChildInfo
	Nodes         []HBNodeSnapshot
	Shards        []ShardEntry
	NodesResetAt  time.Time
}

// MasterRegion is the owner or viewer handle to the master shm
// region, exposing atomic read/modify/write of MasterView.
type MasterRegion struct {
	region *Region
}

// CreateMaster creates the owner's master region.
func CreateMaster(dir string) (*MasterRegion, error) {
	r, err := Create(dir, MasterKey, MasterPayloadSize, TypeMaster)
	if err != nil {
		return nil, err
	}
	m := &MasterRegion{region: r}
	if err := m.Write(MasterView{}); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// AttachMaster attaches an existing master region; readonly viewers
// (the monitor tool) pass readonly=true.
func AttachMaster(dir string, readonly bool) (*MasterRegion, error) {
	r, err := Attach(dir, MasterKey, TypeMaster, readonly)
	if err != nil {
		return nil, err
	}
	return &MasterRegion{region: r}, nil
}

// Read unmarshals the current view. Owner (read-write) handles take
// the mutex for a consistent snapshot; read-only viewer handles
// (the monitor tool) cannot write to a PROT_READ mapping, so they
// read twice and retry once on a torn read instead, matching the
// viewer's best-effort, lock-free contract in spec.md §4.2.
func (m *MasterRegion) Read() (MasterView, error) {
	if m.region.Readonly() {
		return m.readLockFree()
	}

	mu := m.region.Mutex()
	if !lockWithRetry(mu) {
		return MasterView{}, fmt.Errorf("master region: mutex owner unrecoverable")
	}
	defer mu.Unlock()

	return m.decode()
}

func (m *MasterRegion) readLockFree() (MasterView, error) {
	first, errFirst := m.decode()
	second, errSecond := m.decode()
	if errSecond == nil {
		return second, nil
	}
	if errFirst == nil {
		return first, nil
	}
	return MasterView{}, errSecond
}

func (m *MasterRegion) decode() (MasterView, error) {
	var v MasterView
	payload := m.region.Payload()
	n := firstZero(payload)
	if n == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload[:n], &v); err != nil {
		return MasterView{}, fmt.Errorf("master region decode: %w", err)
	}
	return v, nil
}

// Write takes the mutex, marshals v into the payload, and releases it.
// Write returns an error on a read-only handle: a viewer has no
// business mutating the master region.
func (m *MasterRegion) Write(v MasterView) error {
	if m.region.Readonly() {
		return fmt.Errorf("master region: read-only handle cannot write")
	}
	mu := m.region.Mutex()
	if !lockWithRetry(mu) {
		return fmt.Errorf("master region: mutex owner unrecoverable")
	}
	defer mu.Unlock()

	return m.encode(v)
}

// Modify reads, calls fn, and writes back the result as one
// mutex-held critical section.
func (m *MasterRegion) Modify(fn func(v MasterView) MasterView) error {
	if m.region.Readonly() {
		return fmt.Errorf("master region: read-only handle cannot write")
	}
	mu := m.region.Mutex()
	if !lockWithRetry(mu) {
		return fmt.Errorf("master region: mutex owner unrecoverable")
	}
	defer mu.Unlock()

	v, err := m.decode()
	if err != nil {
		return err
	}
	return m.encode(fn(v))
}

func (m *MasterRegion) encode(v MasterView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("master region encode: %w", err)
	}
	payload := m.region.Payload()
	if len(data) >= len(payload) {
		return fmt.Errorf("master region: view too large (%d bytes)", len(data))
	}
	clear(payload)
	copy(payload, data)
	return nil
}

// Destroy removes the master region from disk.
func (m *MasterRegion) Destroy() error { return m.region.Destroy() }

// Close unmaps without removing the backing file.
func (m *MasterRegion) Close() error { return m.region.Close() }

func lockWithRetry(mu *RobustMutex) bool {
	for i := 0; i < 2; i++ {
		if mu.TryLock() {
			return true
		}
	}
	return false
}

func firstZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
