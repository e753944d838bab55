package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/metrics"
	"github.com/aerodisk/vncbroker/pkg/types"
)

// lockBackoff is the retry schedule applied when acquiring the advisory
// lock errors out.
var lockBackoff = []time.Duration{
	10 * time.Millisecond,
	50 * time.Millisecond,
	250 * time.Millisecond,
}

// HostProbe is the slice of the process supervisor the pool needs: OS-level
// evidence about ports and processes. The pool never spawns or kills
// anything itself.
type HostProbe interface {
	// IsPortFreeOS reports whether a bind to localhost:port succeeds
	IsPortFreeOS(port int) bool

	// IsAlive reports whether the process exists
	IsAlive(pid int) bool

	// EnumerateWebsockify returns websockify instances found in the
	// process table, with the managed port each one serves
	EnumerateWebsockify() ([]types.DiscoveredProcess, error)
}

// Pool is the sole authority on which WebSocket ports are in use. Every
// mutation runs under an exclusive cross-process file lock and commits the
// state document with write-temp-then-rename.
type Pool struct {
	cfg    config.Config
	probe  HostProbe
	flk    *flock.Flock
	logger zerolog.Logger

	// mu serializes callers inside this process; a *flock.Flock that is
	// already locked returns from Lock at once, so flk alone does not.
	mu sync.Mutex
}

// New creates a port pool over the configured state and lock files. Missing
// parent directories are created here.
func New(cfg config.Config, probe HostProbe) (*Pool, error) {
	for _, dir := range []string{filepath.Dir(cfg.StateFile), filepath.Dir(cfg.LockFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &AllocationError{Op: "init", Err: err}
		}
	}

	return &Pool{
		cfg:    cfg,
		probe:  probe,
		flk:    flock.New(cfg.LockFile),
		logger: log.WithComponent("port-pool"),
	}, nil
}

// Allocate reserves the lowest free port that is also free at the OS level
// and records it with no PID. When the first scan comes up empty a single
// reconciliation pass runs and the scan retries; a second miss returns
// ErrPoolExhausted.
func (p *Pool) Allocate(vmName string) (int, error) {
	var port int
	err := p.withLock("allocate", func(state *types.PoolState) (bool, error) {
		for pass := 0; pass < 2; pass++ {
			if got, ok := p.takeFirstFit(state, vmName); ok {
				port = got
				return true, nil
			}
			if pass == 0 {
				p.reconcileLocked(state)
			}
		}
		// Persist ports dropped as drift during the scans.
		return true, ErrPoolExhausted
	})
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			metrics.PoolExhaustedTotal.Inc()
		}
		return 0, err
	}

	p.logger.Info().Str("vm_name", vmName).Int("ws_port", port).Msg("Allocated VNC port")
	return port, nil
}

// takeFirstFit scans the free list ascending for a port that bind-probes
// free. Ports that probe busy are dropped from the free list entirely and
// counted as drift so allocation never spins on a dead-but-occupied port.
// The reconciler adopts a dropped port only when it finds a websockify
// process on it; other dropped ports are not returned to the free list.
func (p *Pool) takeFirstFit(state *types.PoolState, vmName string) (int, bool) {
	free := append([]int(nil), state.Free...)
	for _, port := range free {
		if p.probe.IsPortFreeOS(port) {
			state.Free = removePort(state.Free, port)
			state.Allocated[types.PortKey(port)] = &types.PortAllocation{
				VMName:      vmName,
				PID:         nil,
				AllocatedAt: time.Now().UTC(),
			}
			return port, true
		}

		p.logger.Warn().Int("ws_port", port).Msg("Port marked free but occupied, dropping from pool")
		metrics.DriftWarningsTotal.Inc()
		state.Free = removePort(state.Free, port)
	}
	return 0, false
}

// Promote sets the PID on an existing allocation. Promoting with the PID
// already recorded is a no-op; promoting an unknown port fails with
// ErrNotAllocated.
func (p *Pool) Promote(port, pid int) error {
	return p.withLock("promote", func(state *types.PoolState) (bool, error) {
		alloc, ok := state.Allocated[types.PortKey(port)]
		if !ok {
			return false, fmt.Errorf("%w: %d", ErrNotAllocated, port)
		}
		if alloc.PID != nil && *alloc.PID == pid {
			return false, nil
		}
		if alloc.PID != nil {
			p.logger.Warn().
				Int("ws_port", port).
				Int("old_pid", *alloc.PID).
				Int("new_pid", pid).
				Msg("Re-promoting port with a different PID")
		}
		alloc.PID = &pid
		return true, nil
	})
}

// Release removes an allocation and returns the port to the free list in
// sorted position. A mismatching vmName logs a warning but still releases
// (operator override). Releasing an already-free port is a no-op.
func (p *Pool) Release(port int, vmName string) error {
	return p.withLock("release", func(state *types.PoolState) (bool, error) {
		key := types.PortKey(port)
		alloc, ok := state.Allocated[key]
		if !ok {
			p.logger.Warn().Int("ws_port", port).Msg("Attempted to release unallocated port")
			return false, nil
		}

		if vmName != "" && alloc.VMName != vmName {
			p.logger.Warn().
				Int("ws_port", port).
				Str("expected_vm", vmName).
				Str("recorded_vm", alloc.VMName).
				Msg("VM name mismatch on release, releasing anyway")
		}

		delete(state.Allocated, key)
		state.Free = insertSorted(state.Free, port)
		p.logger.Info().Int("ws_port", port).Msg("Released VNC port")
		return true, nil
	})
}

// Stats returns a point-in-time summary of pool usage.
func (p *Pool) Stats() (types.PoolStats, error) {
	var stats types.PoolStats
	err := p.withLock("stats", func(state *types.PoolState) (bool, error) {
		total := p.cfg.PoolSize()
		stats = types.PoolStats{
			Total:       total,
			Allocated:   len(state.Allocated),
			Free:        len(state.Free),
			Utilization: float64(len(state.Allocated)) / float64(total) * 100,
			LastCleanup: state.LastCleanup,
			PortRange:   fmt.Sprintf("%d-%d", p.cfg.PortMin, p.cfg.PortMax),
		}
		return false, nil
	})
	return stats, err
}

// Snapshot returns a copy of the current state document for read-only
// consumers (registry restore, tests).
func (p *Pool) Snapshot() (*types.PoolState, error) {
	var snap *types.PoolState
	err := p.withLock("snapshot", func(state *types.PoolState) (bool, error) {
		snap = &types.PoolState{
			Allocated:   make(map[string]*types.PortAllocation, len(state.Allocated)),
			Free:        append([]int(nil), state.Free...),
			LastCleanup: state.LastCleanup,
		}
		for key, alloc := range state.Allocated {
			copied := *alloc
			if alloc.PID != nil {
				pid := *alloc.PID
				copied.PID = &pid
			}
			snap.Allocated[key] = &copied
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ReconcileStale reconciles the state document against OS reality: dead
// sessions are released, externally spawned websockify processes are
// adopted, and squatters on managed ports are reported as drift. The pass
// is idempotent.
func (p *Pool) ReconcileStale() (types.ReconcileReport, error) {
	var report types.ReconcileReport
	err := p.withLock("reconcile", func(state *types.PoolState) (bool, error) {
		report = p.reconcileLocked(state)
		return true, nil
	})
	if err != nil {
		return types.ReconcileReport{}, err
	}
	return report, nil
}

// reconcileLocked runs the reconciliation pass against a loaded state. The
// caller holds the file lock and is responsible for committing.
func (p *Pool) reconcileLocked(state *types.PoolState) types.ReconcileReport {
	var report types.ReconcileReport
	now := time.Now().UTC()

	for key, alloc := range state.Allocated {
		port := parsePortKey(key)

		switch {
		case alloc.PID == nil:
			// Reservation that never got a process. Reclaim once the
			// adoption grace expired and nothing holds the port.
			if now.Sub(alloc.AllocatedAt) > p.cfg.AdoptionGrace() && p.probe.IsPortFreeOS(port) {
				p.logger.Info().
					Int("ws_port", port).
					Str("vm_name", alloc.VMName).
					Msg("Releasing stale pid-less reservation")
				delete(state.Allocated, key)
				state.Free = insertSorted(state.Free, port)
				report.StaleReleased++
			}

		case !p.probe.IsAlive(*alloc.PID):
			if p.probe.IsPortFreeOS(port) {
				p.logger.Info().
					Int("ws_port", port).
					Int("pid", *alloc.PID).
					Str("vm_name", alloc.VMName).
					Msg("Releasing port of dead websockify process")
				delete(state.Allocated, key)
				state.Free = insertSorted(state.Free, port)
				report.StaleReleased++
			} else {
				// Recorded process is gone but something else holds
				// the port. Operator intervention required.
				p.logger.Warn().
					Int("ws_port", port).
					Int("pid", *alloc.PID).
					Msg("Dead PID recorded but port is occupied by another process")
				report.DriftWarnings++
			}
		}
	}

	discovered, err := p.probe.EnumerateWebsockify()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Process enumeration failed, skipping adoption pass")
	}
	for _, proc := range discovered {
		key := types.PortKey(proc.WSPort)
		alloc, ok := state.Allocated[key]
		if !ok {
			p.logger.Info().
				Int("ws_port", proc.WSPort).
				Int("pid", proc.PID).
				Msg("Adopting externally spawned websockify process")
			pid := proc.PID
			state.Allocated[key] = &types.PortAllocation{
				VMName:      types.AdoptedVMName,
				PID:         &pid,
				AllocatedAt: now,
			}
			state.Free = removePort(state.Free, proc.WSPort)
			report.Adopted++
			continue
		}
		if alloc.PID == nil || *alloc.PID != proc.PID {
			p.logger.Info().
				Int("ws_port", proc.WSPort).
				Int("pid", proc.PID).
				Msg("Updating PID of respawned websockify process")
			pid := proc.PID
			alloc.PID = &pid
		}
	}

	state.LastCleanup = now

	metrics.StaleReleasedTotal.Add(float64(report.StaleReleased))
	metrics.AdoptedTotal.Add(float64(report.Adopted))
	metrics.DriftWarningsTotal.Add(float64(report.DriftWarnings))

	return report
}

// withLock runs fn with the advisory lock held over the read-modify-write
// cycle. fn reports whether the state must be committed; returning an error
// discards the in-memory state unless a commit was requested first.
func (p *Pool) withLock(op string, fn func(state *types.PoolState) (bool, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.acquireLock(); err != nil {
		return &AllocationError{Op: op, Err: err}
	}
	defer func() {
		if err := p.flk.Unlock(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to release port pool lock")
		}
	}()

	state, err := p.loadState()
	if err != nil {
		return err
	}

	save, fnErr := fn(state)
	if save {
		if err := p.saveState(state); err != nil {
			return err
		}
	}
	return fnErr
}

// acquireLock takes the exclusive file lock, retrying acquisition errors
// with the bounded backoff schedule.
func (p *Pool) acquireLock() error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.flk.Lock(); err == nil {
			return nil
		}
		if attempt >= len(lockBackoff) {
			return fmt.Errorf("failed to acquire lock after %d attempts: %w", attempt+1, err)
		}
		time.Sleep(lockBackoff[attempt])
	}
}

// loadState reads the state document. A missing or malformed file is
// reconstructed with a full free list; a file that exists but cannot be
// read fails with ErrStateCorrupt.
func (p *Pool) loadState() (*types.PoolState, error) {
	data, err := os.ReadFile(p.cfg.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Warn().Str("state_file", p.cfg.StateFile).Msg("State file absent, starting with full free list")
			return p.initialState(), nil
		}
		return nil, &AllocationError{Op: "load", Err: fmt.Errorf("%w: %v", ErrStateCorrupt, err)}
	}

	var state types.PoolState
	if err := json.Unmarshal(data, &state); err != nil {
		p.logger.Warn().Err(err).Msg("State file malformed, rebuilding")
		return p.initialState(), nil
	}
	if state.Allocated == nil || state.Free == nil {
		p.logger.Warn().Msg("State file missing required fields, rebuilding")
		return p.initialState(), nil
	}

	sort.Ints(state.Free)
	return &state, nil
}

// initialState builds a fresh document covering the whole port range.
func (p *Pool) initialState() *types.PoolState {
	free := make([]int, 0, p.cfg.PoolSize())
	for port := p.cfg.PortMin; port <= p.cfg.PortMax; port++ {
		free = append(free, port)
	}
	return &types.PoolState{
		Allocated:   make(map[string]*types.PortAllocation),
		Free:        free,
		LastCleanup: time.Now().UTC(),
	}
}

// saveState commits the document with write-temp-then-rename; the rename is
// the commit point.
func (p *Pool) saveState(state *types.PoolState) error {
	sort.Ints(state.Free)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &AllocationError{Op: "commit", Err: err}
	}
	if err := renameio.WriteFile(p.cfg.StateFile, data, 0o644); err != nil {
		return &AllocationError{Op: "commit", Err: err}
	}
	return nil
}

func parsePortKey(key string) int {
	var port int
	fmt.Sscanf(key, "%d", &port)
	return port
}

// insertSorted returns free with port added in ascending position, without
// duplicating an already-present port.
func insertSorted(free []int, port int) []int {
	i := sort.SearchInts(free, port)
	if i < len(free) && free[i] == port {
		return free
	}
	free = append(free, 0)
	copy(free[i+1:], free[i:])
	free[i] = port
	return free
}

func removePort(free []int, port int) []int {
	i := sort.SearchInts(free, port)
	if i < len(free) && free[i] == port {
		return append(free[:i], free[i+1:]...)
	}
	return free
}
