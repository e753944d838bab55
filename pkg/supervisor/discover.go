package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	linuxproc "github.com/c9s/goprocinfo/linux"

	"github.com/aerodisk/vncbroker/pkg/types"
)

// spawnPIDPattern matches a PID announced in spawn output. websockify's
// daemon mode normally prints nothing, so this is a best-effort first step.
var spawnPIDPattern = regexp.MustCompile(`(?i)\bpid[=:\s]+(\d+)`)

func parseSpawnOutput(output []byte) (int, bool) {
	m := spawnPIDPattern.FindSubmatch(output)
	if m == nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(m[1]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// findPIDByPort locates the process holding a socket on wsPort by matching
// socket inodes from /proc/net/tcp against /proc/<pid>/fd entries.
// Port-binding evidence is authoritative for a daemonized child.
func (s *Supervisor) findPIDByPort(wsPort int) (int, bool) {
	inodes := s.socketInodes(wsPort)
	if len(inodes) == 0 {
		return 0, false
	}

	for _, pid := range s.listPIDs() {
		fdDir := filepath.Join(s.procRoot, strconv.Itoa(pid), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if inode, ok := socketInode(target); ok && inodes[inode] {
				return pid, true
			}
		}
	}
	return 0, false
}

// socketInodes returns the inodes of all TCP sockets whose local port is
// wsPort, across IPv4 and IPv6 tables.
func (s *Supervisor) socketInodes(wsPort int) map[uint64]bool {
	inodes := make(map[uint64]bool)

	tables := []struct {
		path    string
		decoder linuxproc.NetIPDecoder
	}{
		{filepath.Join(s.procRoot, "net", "tcp"), linuxproc.NetIPv4Decoder},
		{filepath.Join(s.procRoot, "net", "tcp6"), linuxproc.NetIPv6Decoder},
	}

	for _, table := range tables {
		socks, err := linuxproc.ReadNetTCPSockets(table.path, table.decoder)
		if err != nil {
			continue
		}
		for _, sock := range socks.Sockets {
			if port, ok := localPort(sock.LocalAddress); ok && port == wsPort {
				inodes[sock.Inode] = true
			}
		}
	}
	return inodes
}

// localPort extracts the numeric port from a NetIPDecoder-formatted
// "address:port" string.
func localPort(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx == -1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}

// socketInode parses a /proc fd link target of the form "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// readCmdline returns a process command line with argument separators
// normalized to spaces.
func (s *Supervisor) readCmdline(pid int) (string, error) {
	cmdline, err := linuxproc.ReadProcessCmdline(filepath.Join(s.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(cmdline, "\x00", " ")), nil
}

// findPIDByCmdline is the last-resort discovery step: scan the process
// table for a websockify command line carrying wsPort.
func (s *Supervisor) findPIDByCmdline(wsPort int) (int, bool) {
	for _, pid := range s.listPIDs() {
		cmdline, err := s.readCmdline(pid)
		if err != nil {
			continue
		}
		lowered := strings.ToLower(cmdline)
		if !strings.Contains(lowered, "websockify") {
			continue
		}
		if containsPort(cmdline, wsPort) {
			return pid, true
		}
	}
	return 0, false
}

// EnumerateWebsockify walks the process table and returns every process
// whose command line carries both the websockify and novnc markers plus a
// numeric argument inside the managed port range. Per-process read errors
// are skipped; the snapshot is best-effort.
func (s *Supervisor) EnumerateWebsockify() ([]types.DiscoveredProcess, error) {
	var found []types.DiscoveredProcess

	for _, pid := range s.listPIDs() {
		cmdline, err := s.readCmdline(pid)
		if err != nil {
			continue
		}
		port, ok := websockifyCandidatePort(cmdline, s.cfg.PortMin, s.cfg.PortMax)
		if !ok {
			continue
		}
		found = append(found, types.DiscoveredProcess{PID: pid, WSPort: port})
	}
	return found, nil
}

// websockifyCandidatePort reports whether a command line looks like a
// managed websockify/noVNC bridge and, if so, which WebSocket port it
// serves. Matching is case-insensitive and requires a numeric argument
// inside the configured range.
func websockifyCandidatePort(cmdline string, portMin, portMax int) (int, bool) {
	lowered := strings.ToLower(cmdline)
	if !strings.Contains(lowered, "websockify") || !strings.Contains(lowered, "novnc") {
		return 0, false
	}

	for _, arg := range strings.Fields(cmdline) {
		port, err := strconv.Atoi(arg)
		if err != nil {
			continue
		}
		if port >= portMin && port <= portMax {
			return port, true
		}
	}
	return 0, false
}

// containsPort reports whether the command line carries wsPort as a
// standalone numeric argument.
func containsPort(cmdline string, wsPort int) bool {
	want := fmt.Sprintf("%d", wsPort)
	for _, arg := range strings.Fields(cmdline) {
		if arg == want {
			return true
		}
	}
	return false
}

// listPIDs returns the numeric entries of the proc root.
func (s *Supervisor) listPIDs() []int {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		return nil
	}

	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
