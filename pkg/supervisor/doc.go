/*
Package supervisor owns the websockify child processes: spawning the
detached bridge, resolving the PID it daemonizes under, probing liveness,
and terminating with SIGTERM-then-SIGKILL escalation.

PID resolution is a three-step chain: spawn output (rarely useful, the
daemon detaches), then the socket holding the WebSocket port (matched via
/proc/net/tcp inodes against /proc/<pid>/fd), then a process-table cmdline
scan. Port-binding evidence is authoritative.

The supervisor also answers the port pool's OS questions: IsPortFreeOS (a
SO_REUSEADDR bind probe) and EnumerateWebsockify (cmdline candidates
carrying the websockify and novnc markers with a port in the managed range).
*/
package supervisor
