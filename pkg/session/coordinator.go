package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/events"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/metrics"
	"github.com/aerodisk/vncbroker/pkg/pool"
	"github.com/aerodisk/vncbroker/pkg/types"
)

// PortPool is the slice of the port pool the coordinator composes.
type PortPool interface {
	Allocate(vmName string) (int, error)
	Promote(port, pid int) error
	Release(port int, vmName string) error
	Snapshot() (*types.PoolState, error)
}

// ProcessSupervisor is the slice of the supervisor the coordinator
// composes.
type ProcessSupervisor interface {
	Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error)
	Terminate(pid int) error
	IsAlive(pid int) bool
}

// CoordinationError wraps unexpected failures inside Start and Stop. It is
// always accompanied by a completed rollback.
type CoordinationError struct {
	VMName string
	Err    error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("vnc session coordination failed for VM %s: %v", e.VMName, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// Coordinator presents the atomic session API: allocate + spawn + promote
// with rollback on partial failure. Its in-memory registry is a per-process
// cache; the durable truth lives in the port pool.
type Coordinator struct {
	cfg    config.Config
	pool   PortPool
	sup    ProcessSupervisor
	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	registry map[string]*types.Session
}

// New creates a coordinator. broker may be nil when event publishing is not
// wanted (tests, one-shot CLI calls).
func New(cfg config.Config, portPool PortPool, sup ProcessSupervisor, broker *events.Broker) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		pool:     portPool,
		sup:      sup,
		broker:   broker,
		logger:   log.WithComponent("session-coordinator"),
		registry: make(map[string]*types.Session),
	}
}

// Restore rebuilds the registry from the durable pool state, keeping only
// allocations whose process is still alive. Called on startup; the
// reconciler cleans up whatever this skips.
func (c *Coordinator) Restore() error {
	state, err := c.pool.Snapshot()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for key, alloc := range state.Allocated {
		if alloc.PID == nil || !c.sup.IsAlive(*alloc.PID) {
			continue
		}
		port := parsePort(key)

		// The backend VNC target is not persisted; a restored session
		// still serves its console through the recorded port.
		c.registry[alloc.VMName] = &types.Session{
			VMName: alloc.VMName,
			WSPort: port,
			PID:    *alloc.PID,
			URL:    buildURL(c.cfg.ServerIP, port),
		}
		restored++
	}

	metrics.ActiveSessions.Set(float64(len(c.registry)))
	if restored > 0 {
		c.logger.Info().Int("restored", restored).Msg("Restored session registry from pool state")
	}
	return nil
}

// Start brings up one complete VNC session: preempt any existing session
// for the VM, allocate a port, spawn websockify, promote the allocation,
// register. Every partial failure rolls back before surfacing.
func (c *Coordinator) Start(ctx context.Context, vmName, vncHost string, vncPort int) (*types.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Preempt an existing session for this VM. Proceed regardless of the
	// outcome; the fresh spawn reuses or replaces resources correctly.
	if existing, ok := c.registry[vmName]; ok {
		c.logger.Info().
			Str("vm_name", vmName).
			Int("ws_port", existing.WSPort).
			Msg("Preempting existing session")
		if _, err := c.stopLocked(vmName); err != nil {
			c.logger.Warn().Err(err).Str("vm_name", vmName).Msg("Preemptive stop incomplete, continuing")
		}
	}

	wsPort, err := c.pool.Allocate(vmName)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			c.publish(&events.Event{Type: events.EventPoolExhausted, VMName: vmName})
		}
		metrics.SessionsFailedTotal.Inc()
		return nil, err
	}

	pid, err := c.sup.Spawn(ctx, vmName, vncHost, vncPort, wsPort)
	if err != nil {
		if relErr := c.pool.Release(wsPort, vmName); relErr != nil {
			c.logger.Error().Err(relErr).Int("ws_port", wsPort).Msg("Rollback release failed")
		}
		metrics.SessionsFailedTotal.Inc()
		return nil, err
	}

	if err := c.pool.Promote(wsPort, pid); err != nil {
		if termErr := c.sup.Terminate(pid); termErr != nil {
			c.logger.Error().Err(termErr).Int("pid", pid).Msg("Rollback terminate failed")
		}
		if relErr := c.pool.Release(wsPort, vmName); relErr != nil {
			c.logger.Error().Err(relErr).Int("ws_port", wsPort).Msg("Rollback release failed")
		}
		metrics.SessionsFailedTotal.Inc()
		return nil, &CoordinationError{VMName: vmName, Err: err}
	}

	session := &types.Session{
		VMName:  vmName,
		VNCHost: vncHost,
		VNCPort: vncPort,
		WSPort:  wsPort,
		PID:     pid,
		URL:     buildURL(c.cfg.ServerIP, wsPort),
	}
	c.registry[vmName] = session

	metrics.SessionsStartedTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(c.registry)))
	c.publish(&events.Event{
		Type:   events.EventSessionStarted,
		VMName: vmName,
		WSPort: wsPort,
		PID:    pid,
	})

	c.logger.Info().
		Str("vm_name", vmName).
		Int("ws_port", wsPort).
		Int("pid", pid).
		Str("url", session.URL).
		Msg("Started VNC session")
	return session, nil
}

// Stop tears down the session for a VM. Returns false when no session was
// registered. A process that survives both signals still gets its port
// released and its registry entry removed; the error reports the lingering
// PID.
func (c *Coordinator) Stop(vmName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(vmName)
}

func (c *Coordinator) stopLocked(vmName string) (bool, error) {
	session, ok := c.registry[vmName]
	if !ok {
		return false, nil
	}

	termErr := c.sup.Terminate(session.PID)
	if termErr != nil {
		c.logger.Warn().Err(termErr).Int("pid", session.PID).Msg("Process did not die, releasing port anyway")
	}

	if err := c.pool.Release(session.WSPort, vmName); err != nil {
		delete(c.registry, vmName)
		metrics.ActiveSessions.Set(float64(len(c.registry)))
		return true, &CoordinationError{VMName: vmName, Err: err}
	}

	delete(c.registry, vmName)
	metrics.SessionsStoppedTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(c.registry)))
	c.publish(&events.Event{
		Type:   events.EventSessionStopped,
		VMName: vmName,
		WSPort: session.WSPort,
		PID:    session.PID,
	})

	c.logger.Info().Str("vm_name", vmName).Int("ws_port", session.WSPort).Msg("Stopped VNC session")
	return true, termErr
}

// List returns a snapshot of registered sessions sorted by VM name.
func (c *Coordinator) List() []*types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]*types.Session, 0, len(c.registry))
	for _, session := range c.registry {
		copied := *session
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].VMName < sessions[j].VMName
	})
	return sessions
}

func (c *Coordinator) publish(event *events.Event) {
	if c.broker != nil {
		c.broker.Publish(event)
	}
}

// buildURL derives the noVNC console URL for a WebSocket port.
func buildURL(serverIP string, wsPort int) string {
	return fmt.Sprintf("http://%s:%d/vnc.html?host=%s&port=%d", serverIP, wsPort, serverIP, wsPort)
}

func parsePort(key string) int {
	var port int
	fmt.Sscanf(key, "%d", &port)
	return port
}
