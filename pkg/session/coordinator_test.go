package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/pool"
	"github.com/aerodisk/vncbroker/pkg/supervisor"
	"github.com/aerodisk/vncbroker/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakePool is an in-memory PortPool tracking allocations and releases.
type fakePool struct {
	mu         sync.Mutex
	portMin    int
	portMax    int
	allocated  map[int]string
	promoted   map[int]int
	released   []int
	promoteErr error
}

func newFakePool(portMin, portMax int) *fakePool {
	return &fakePool{
		portMin:   portMin,
		portMax:   portMax,
		allocated: make(map[int]string),
		promoted:  make(map[int]int),
	}
}

func (f *fakePool) Allocate(vmName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for port := f.portMin; port <= f.portMax; port++ {
		if _, used := f.allocated[port]; !used {
			f.allocated[port] = vmName
			return port, nil
		}
	}
	return 0, pool.ErrPoolExhausted
}

func (f *fakePool) Promote(port, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	if _, ok := f.allocated[port]; !ok {
		return pool.ErrNotAllocated
	}
	f.promoted[port] = pid
	return nil
}

func (f *fakePool) Release(port int, vmName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocated, port)
	delete(f.promoted, port)
	f.released = append(f.released, port)
	return nil
}

func (f *fakePool) Snapshot() (*types.PoolState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := &types.PoolState{Allocated: make(map[string]*types.PortAllocation)}
	for port, vm := range f.allocated {
		alloc := &types.PortAllocation{VMName: vm}
		if pid, ok := f.promoted[port]; ok {
			alloc.PID = &pid
		}
		state.Allocated[types.PortKey(port)] = alloc
	}
	for port := f.portMin; port <= f.portMax; port++ {
		if _, used := f.allocated[port]; !used {
			state.Free = append(state.Free, port)
		}
	}
	sort.Ints(state.Free)
	return state, nil
}

func (f *fakePool) allocatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocated)
}

// fakeSup is a controllable ProcessSupervisor.
type fakeSup struct {
	mu         sync.Mutex
	nextPID    int
	spawnErr   error
	termErr    error
	alive      map[int]bool
	terminated []int
}

func newFakeSup() *fakeSup {
	return &fakeSup{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeSup) Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeSup) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	if f.termErr != nil {
		return f.termErr
	}
	delete(f.alive, pid)
	return nil
}

func (f *fakeSup) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PortMin = 6100
	cfg.PortMax = 6101
	cfg.ServerIP = "192.0.2.10"
	return cfg
}

func TestStartHappyPath(t *testing.T) {
	fp := newFakePool(6100, 6101)
	fs := newFakeSup()
	c := New(testConfig(), fp, fs, nil)

	sess, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	assert.Equal(t, "vmA", sess.VMName)
	assert.Equal(t, 6100, sess.WSPort)
	assert.Greater(t, sess.PID, 0)
	assert.Equal(t, "http://192.0.2.10:6100/vnc.html?host=192.0.2.10&port=6100", sess.URL)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "vmA", list[0].VMName)

	stopped, err := c.Stop("vmA")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Zero(t, fp.allocatedCount())
	assert.Empty(t, c.List())
}

func TestStartSpawnFailureRollsBack(t *testing.T) {
	fp := newFakePool(6100, 6101)
	fs := newFakeSup()
	fs.spawnErr = &supervisor.SpawnError{VMName: "vmZ", WSPort: 6100, Err: errors.New("exec failed")}
	c := New(testConfig(), fp, fs, nil)

	_, err := c.Start(context.Background(), "vmZ", "127.0.0.1", 5900)
	require.Error(t, err)

	var spawnErr *supervisor.SpawnError
	assert.ErrorAs(t, err, &spawnErr)

	// The reserved port was released and nothing is registered
	assert.Zero(t, fp.allocatedCount())
	assert.Equal(t, []int{6100}, fp.released)
	assert.Empty(t, c.List())
}

func TestStartPromoteFailureRollsBack(t *testing.T) {
	fp := newFakePool(6100, 6101)
	fp.promoteErr = errors.New("state file unwritable")
	fs := newFakeSup()
	c := New(testConfig(), fp, fs, nil)

	_, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.Error(t, err)

	var coordErr *CoordinationError
	assert.ErrorAs(t, err, &coordErr)

	// Spawned process terminated, port released, nothing registered
	require.Len(t, fs.terminated, 1)
	assert.False(t, fs.IsAlive(fs.terminated[0]))
	assert.Equal(t, []int{6100}, fp.released)
	assert.Empty(t, c.List())
}

func TestStartPoolExhausted(t *testing.T) {
	fp := newFakePool(6100, 6100)
	fs := newFakeSup()
	c := New(testConfig(), fp, fs, nil)

	_, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	_, err = c.Start(context.Background(), "vmB", "127.0.0.1", 5901)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
}

func TestStartPreemptsExistingSession(t *testing.T) {
	fp := newFakePool(6100, 6101)
	fs := newFakeSup()
	c := New(testConfig(), fp, fs, nil)

	first, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	second, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	assert.NotEqual(t, first.PID, second.PID)
	assert.False(t, fs.IsAlive(first.PID), "preempted process must be terminated")
	assert.Contains(t, fs.terminated, first.PID)

	// Exactly one live session for the VM
	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, second.PID, list[0].PID)
	assert.Equal(t, 1, fp.allocatedCount())
}

func TestStopMissingSession(t *testing.T) {
	c := New(testConfig(), newFakePool(6100, 6101), newFakeSup(), nil)

	stopped, err := c.Stop("ghost")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStopSurvivingProcessStillReleases(t *testing.T) {
	fp := newFakePool(6100, 6101)
	fs := newFakeSup()
	c := New(testConfig(), fp, fs, nil)

	_, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	fs.termErr = &supervisor.TerminateError{PID: 1001}

	stopped, err := c.Stop("vmA")
	assert.True(t, stopped)
	require.Error(t, err)

	var termErr *supervisor.TerminateError
	assert.ErrorAs(t, err, &termErr)

	// The port is released and the registry entry is gone regardless
	assert.Zero(t, fp.allocatedCount())
	assert.Empty(t, c.List())
}

func TestStopIdempotent(t *testing.T) {
	fp := newFakePool(6100, 6101)
	c := New(testConfig(), fp, newFakeSup(), nil)

	_, err := c.Start(context.Background(), "vmA", "127.0.0.1", 5900)
	require.NoError(t, err)

	stopped, err := c.Stop("vmA")
	require.NoError(t, err)
	assert.True(t, stopped)

	stopped, err = c.Stop("vmA")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestListSortedByVMName(t *testing.T) {
	fp := newFakePool(6100, 6109)
	c := New(config.Config{PortMin: 6100, PortMax: 6109, ServerIP: "127.0.0.1"}, fp, newFakeSup(), nil)

	for _, vm := range []string{"zeta", "alpha", "mike"} {
		_, err := c.Start(context.Background(), vm, "127.0.0.1", 5900)
		require.NoError(t, err)
	}

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].VMName)
	assert.Equal(t, "mike", list[1].VMName)
	assert.Equal(t, "zeta", list[2].VMName)
}

func TestRestoreRebuildsRegistry(t *testing.T) {
	fp := newFakePool(6100, 6103)
	fs := newFakeSup()

	// Seed the durable state: one live session, one dead, one reserved
	livePort, err := fp.Allocate("vm-live")
	require.NoError(t, err)
	require.NoError(t, fp.Promote(livePort, 2001))
	fs.alive[2001] = true

	deadPort, err := fp.Allocate("vm-dead")
	require.NoError(t, err)
	require.NoError(t, fp.Promote(deadPort, 2002))

	_, err = fp.Allocate("vm-reserved")
	require.NoError(t, err)

	c := New(testConfig(), fp, fs, nil)
	require.NoError(t, c.Restore())

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "vm-live", list[0].VMName)
	assert.Equal(t, livePort, list[0].WSPort)
	assert.Equal(t, 2001, list[0].PID)
	assert.Equal(t, fmt.Sprintf("http://192.0.2.10:%d/vnc.html?host=192.0.2.10&port=%d", livePort, livePort), list[0].URL)
}
