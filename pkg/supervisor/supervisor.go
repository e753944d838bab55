package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/metrics"
)

// pidPollInterval is how often spawn and terminate re-check process state
// while waiting out their budgets.
const pidPollInterval = 100 * time.Millisecond

// Supervisor spawns and terminates the websockify bridge processes and
// answers OS-level liveness questions for the port pool.
type Supervisor struct {
	cfg    config.Config
	logger zerolog.Logger

	// procRoot is /proc in production; tests point it at a fixture tree
	procRoot string
}

// New creates a supervisor for the configured port range and timeouts.
func New(cfg config.Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		logger:   log.WithComponent("supervisor"),
		procRoot: "/proc",
	}
}

// Spawn starts a detached websockify bridging wsPort to vncHost:vncPort and
// resolves the PID of the daemonized child. websockify detaches from the
// spawner, so the PID comes from spawn output when it announces one, then
// from port-binding evidence, then from a cmdline scan.
func (s *Supervisor) Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SpawnDuration)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout())
	defer cancel()

	s.logger.Info().
		Str("vm_name", vmName).
		Str("vnc_target", fmt.Sprintf("%s:%d", vncHost, vncPort)).
		Int("ws_port", wsPort).
		Msg("Starting websockify")

	args := s.websockifyArgs(vncHost, vncPort, wsPort)
	cmd := exec.CommandContext(ctx, "websockify", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		metrics.SpawnFailuresTotal.Inc()
		return 0, &SpawnError{VMName: vmName, WSPort: wsPort, Err: fmt.Errorf("%v (output: %s)", err, output)}
	}

	pid, err := s.resolvePID(ctx, wsPort, output)
	if err != nil {
		metrics.SpawnFailuresTotal.Inc()
		return 0, &SpawnError{VMName: vmName, WSPort: wsPort, Err: err}
	}

	s.logger.Info().Str("vm_name", vmName).Int("pid", pid).Int("ws_port", wsPort).Msg("Started websockify")
	return pid, nil
}

// websockifyArgs builds the child invocation: detached single-use daemon
// serving the noVNC web root.
func (s *Supervisor) websockifyArgs(vncHost string, vncPort, wsPort int) []string {
	args := []string{"-D"}
	if s.cfg.RunOnce {
		args = append(args, "--run-once")
	}
	args = append(args,
		"--web", s.cfg.NoVNCWebRoot,
		strconv.Itoa(wsPort),
		fmt.Sprintf("%s:%d", vncHost, vncPort),
	)
	return args
}

// resolvePID runs the three-step discovery chain until the context expires:
// spawn output, then the process listening on wsPort, then a cmdline scan.
func (s *Supervisor) resolvePID(ctx context.Context, wsPort int, output []byte) (int, error) {
	if pid, ok := parseSpawnOutput(output); ok {
		return pid, nil
	}

	for {
		if pid, ok := s.findPIDByPort(wsPort); ok {
			return pid, nil
		}
		if pid, ok := s.findPIDByCmdline(wsPort); ok {
			return pid, nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("no process found listening on port %d: %w", wsPort, ctx.Err())
		case <-time.After(pidPollInterval):
		}
	}
}

// Terminate sends SIGTERM, waits out the grace budget, escalates to SIGKILL
// and waits again. An already-gone PID is success.
func (s *Supervisor) Terminate(pid int) error {
	if !s.IsAlive(pid) {
		return nil
	}

	s.logger.Info().Int("pid", pid).Msg("Terminating websockify")
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("SIGTERM failed")
	}
	if s.waitGone(pid, s.cfg.Grace()) {
		return nil
	}

	s.logger.Warn().Int("pid", pid).Msg("Process ignored SIGTERM, sending SIGKILL")
	if err := unix.Kill(pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("SIGKILL failed")
	}
	if s.waitGone(pid, s.cfg.Kill()) {
		return nil
	}

	metrics.TerminateFailuresTotal.Inc()
	return &TerminateError{PID: pid}
}

// waitGone polls until the process disappears or the budget runs out.
func (s *Supervisor) waitGone(pid int, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if !s.IsAlive(pid) {
			return true
		}
		time.Sleep(pidPollInterval)
	}
	return !s.IsAlive(pid)
}

// IsAlive reports process existence via signal 0. EPERM still means the
// process exists.
func (s *Supervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// IsPortFreeOS attempts a SO_REUSEADDR bind on localhost; success means the
// port is free.
func (s *Supervisor) IsPortFreeOS(port int) bool {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
