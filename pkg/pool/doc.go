/*
Package pool implements the persistent WebSocket port pool of the VNC
session broker.

The pool is the sole authority on which ports in the configured range are in
use. Its durable truth is a single JSON document holding the allocated map,
the sorted free list, and the last cleanup timestamp. Because API workers,
the cleanup daemon, and ad-hoc tools call in from different OS processes,
every mutation runs under an exclusive advisory file lock and commits with
write-temp-then-rename:

	lock → read → mutate in memory → write temp → rename → unlock

The rename is the commit point; a crash before it leaves the previous
document intact.

# Allocation

Allocate scans the free list ascending and reserves the first port that also
bind-probes free at the OS level (first-fit). Ports that probe busy are
dropped from the free list instead of re-queued, so allocation never spins
on a dead-but-occupied port. When the scan comes up empty, one
reconciliation pass runs in-line and the scan retries; a second miss is
ErrPoolExhausted.

A fresh allocation carries no PID. The coordinator promotes it once the
supervisor has spawned and identified the websockify process.

# Reconciliation

ReconcileStale restores coherence between the document and the OS:

  - pid-less reservations older than the adoption grace whose port is free
    are released
  - allocations whose process is dead and whose port is free are released
  - allocations whose process is dead but whose port is held by something
    else are reported as drift and left alone
  - websockify processes discovered on unallocated managed ports are
    adopted under the "__adopted__" owner
  - respawned processes on known ports get their PID updated

The pass is idempotent: with no external change, a second run is a no-op.

The pool holds no in-memory state between calls; crash recovery is simply
reading the document again. A missing or malformed document is rebuilt with
a full free list and a warning.
*/
package pool
