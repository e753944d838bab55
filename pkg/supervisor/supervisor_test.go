package supervisor

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PortMin = 6100
	cfg.PortMax = 6999
	cfg.GraceMs = 100
	cfg.KillMs = 100
	return cfg
}

func TestWebsockifyArgs(t *testing.T) {
	cfg := testConfig()
	cfg.NoVNCWebRoot = "/usr/share/novnc"

	s := New(cfg)
	args := s.websockifyArgs("127.0.0.1", 5900, 6100)
	assert.Equal(t, []string{"-D", "--run-once", "--web", "/usr/share/novnc", "6100", "127.0.0.1:5900"}, args)

	cfg.RunOnce = false
	s = New(cfg)
	args = s.websockifyArgs("127.0.0.1", 5900, 6100)
	assert.Equal(t, []string{"-D", "--web", "/usr/share/novnc", "6100", "127.0.0.1:5900"}, args)
}

func TestParseSpawnOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		pid    int
		ok     bool
	}{
		{"empty", "", 0, false},
		{"pid colon", "daemonized, pid: 4321", 4321, true},
		{"pid equals", "PID=77", 77, true},
		{"no pid", "WebSocket server settings:", 0, false},
		{"unrelated digits", "listening on 6100", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, ok := parseSpawnOutput([]byte(tt.output))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.pid, pid)
			}
		})
	}
}

func TestWebsockifyCandidatePort(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		port    int
		ok      bool
	}{
		{
			name:    "standard invocation",
			cmdline: "/usr/bin/python3 /usr/bin/websockify -D --run-once --web /usr/share/novnc 6150 127.0.0.1:5900",
			port:    6150,
			ok:      true,
		},
		{
			name:    "case insensitive markers",
			cmdline: "/opt/noVNC/utils/WebSockify 6200 localhost:5901",
			port:    6200,
			ok:      true,
		},
		{
			name:    "missing novnc marker",
			cmdline: "websockify 6150 127.0.0.1:5900",
			ok:      false,
		},
		{
			name:    "port outside range",
			cmdline: "websockify --web /usr/share/novnc 8080 127.0.0.1:5900",
			ok:      false,
		},
		{
			name:    "unrelated process",
			cmdline: "/usr/sbin/sshd -D",
			ok:      false,
		},
		{
			name:    "empty cmdline",
			cmdline: "",
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := websockifyCandidatePort(tt.cmdline, 6100, 6999)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.port, port)
			}
		})
	}
}

func TestContainsPort(t *testing.T) {
	assert.True(t, containsPort("websockify -D 6150 127.0.0.1:5900", 6150))
	assert.False(t, containsPort("websockify -D 61500 127.0.0.1:5900", 6150))
	assert.False(t, containsPort("websockify 127.0.0.1:6150", 6150))
}

func TestSocketInode(t *testing.T) {
	inode, ok := socketInode("socket:[123456]")
	assert.True(t, ok)
	assert.Equal(t, uint64(123456), inode)

	_, ok = socketInode("pipe:[99]")
	assert.False(t, ok)

	_, ok = socketInode("/dev/null")
	assert.False(t, ok)
}

func TestIsAliveSelfAndBogus(t *testing.T) {
	s := New(testConfig())

	assert.True(t, s.IsAlive(os.Getpid()))
	assert.False(t, s.IsAlive(0))
	assert.False(t, s.IsAlive(-1))
}

func TestTerminateAlreadyGone(t *testing.T) {
	s := New(testConfig())

	// A PID far above any default pid_max
	assert.NoError(t, s.Terminate(99999999))
}

func TestIsPortFreeOS(t *testing.T) {
	s := New(testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, s.IsPortFreeOS(port))

	ln.Close()
	assert.True(t, s.IsPortFreeOS(port))
}

func TestEnumerateWebsockify(t *testing.T) {
	procRoot := t.TempDir()

	writeCmdline(t, procRoot, 1234, "/usr/bin/python3\x00/usr/bin/websockify\x00-D\x00--web\x00/usr/share/novnc\x006150\x00127.0.0.1:5900")
	writeCmdline(t, procRoot, 1235, "/usr/sbin/sshd\x00-D")
	writeCmdline(t, procRoot, 1236, "websockify\x00--web\x00/usr/share/novnc\x008080\x00127.0.0.1:5900")

	// Non-numeric entries must be skipped
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "self"), 0o755))

	s := New(testConfig())
	s.procRoot = procRoot

	found, err := s.EnumerateWebsockify()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 1234, found[0].PID)
	assert.Equal(t, 6150, found[0].WSPort)
}

func TestFindPIDByCmdline(t *testing.T) {
	procRoot := t.TempDir()
	writeCmdline(t, procRoot, 4242, "websockify\x00-D\x006150\x00127.0.0.1:5900")

	s := New(testConfig())
	s.procRoot = procRoot

	pid, ok := s.findPIDByCmdline(6150)
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	_, ok = s.findPIDByCmdline(6151)
	assert.False(t, ok)
}

func writeCmdline(t *testing.T, procRoot string, pid int, cmdline string) {
	t.Helper()
	dir := filepath.Join(procRoot, fmt.Sprintf("%d", pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o444))
}
