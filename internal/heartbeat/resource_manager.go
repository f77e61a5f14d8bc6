package heartbeat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rye-db/rye/internal/types"
	"github.com/rye-db/rye/pkg/rlog"
	"github.com/rye-db/rye/pkg/rmetrics"
)

// ChildMarkerEnv is set on every spawned child so it can recognize
// it was started under the rye resource manager, per spec.md §4.4's
// "clean fd table and marker env var" contract.
const ChildMarkerEnv = "RYE_SPAWNED_BY_MASTER=1"

// ResourceManager fork/execs and tracks the per-database child
// processes (rye_server, rye_repl) a node's master supervises.
//
// Grounded on spec.md §4.4 and original_source's process spawn path:
// each child gets a clean environment (just ChildMarkerEnv plus
// whatever the caller explicitly passes) and no inherited file
// descriptors beyond stdio, matching os/exec's default behavior when
// ExtraFiles is left nil.
type ResourceManager struct {
	mu        sync.Mutex
	processes map[string]*types.Process // keyed by DBName
}

// NewResourceManager constructs an empty manager.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{processes: make(map[string]*types.Process)}
}

// Spawn starts execPath with args for database dbName, recording it
// as a tracked process. Idempotent: a dbName already running is left
// untouched and its existing Process is returned.
func (m *ResourceManager) Spawn(ctx context.Context, dbName, execPath string, args []string, ptype types.ProcessType) (*types.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.processes[dbName]; ok && p.State == types.ProcStateStarted {
		return p, nil
	}

	cmd := exec.CommandContext(ctx, execPath, args...)
	cmd.Env = []string{ChildMarkerEnv}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("resource manager: spawn %s: %w", dbName, err)
	}

	proc := &types.Process{
		Handle:    uuid.NewString(),
		Type:      ptype,
		Pid:       cmd.Process.Pid,
		ExecPath:  execPath,
		Args:      args,
		State:     types.ProcStateStarted,
		StartedAt: time.Now(),
	}
	m.processes[dbName] = proc
	rmetrics.ProcessesTotal.WithLabelValues(procTypeLabel(ptype), "started").Inc()

	go m.reap(dbName, cmd)
	return proc, nil
}

func (m *ResourceManager) reap(dbName string, cmd *exec.Cmd) {
	err := cmd.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.processes[dbName]
	if !ok {
		return
	}
	proc.State = types.ProcStateDead
	proc.ShutdownAt = time.Now()
	if err != nil {
		rlog.WithComponent("heartbeat").Warn().Err(err).Str("db", dbName).Msg("child process exited")
	}
	rmetrics.ProcessesTotal.WithLabelValues(procTypeLabel(proc.Type), "dead").Inc()
}

// Deregister marks a process deregistered (graceful, two-phase
// shutdown's first phase: stop sending it new work, keep it running).
func (m *ResourceManager) Deregister(dbName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[dbName]
	if !ok {
		return fmt.Errorf("resource manager: %s: not registered", dbName)
	}
	p.State = types.ProcStateDeregistered
	p.DeregisteredAt = time.Now()
	return nil
}

// Get returns the tracked process for dbName, if any.
func (m *ResourceManager) Get(dbName string) (*types.Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[dbName]
	return p, ok
}

func procTypeLabel(t types.ProcessType) string {
	if t == types.ProcessServer {
		return "server"
	}
	return "replication"
}
