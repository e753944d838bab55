/*
Package types defines the core data structures of the VNC session broker.

The broker hands out WebSocket ports from a fixed range, supervises one
websockify process per port, and keeps the durable truth about both in a
single JSON document. This package holds the shapes shared by every other
package:

  - PortAllocation: one record per in-use WebSocket port
  - PoolState: the durable document (allocated map + sorted free list)
  - Session: the caller-facing view of one running bridge
  - PoolStats / ReconcileReport: observability summaries
  - SessionState: the Absent → Reserved → Running → Stopping lifecycle

# Invariants

The free list and the allocated key set are disjoint, and their union always
covers the whole configured port range. The free list is sorted ascending
after every commit so allocation is deterministic first-fit. At most one live
allocation exists per VM name at any instant.

# State Machine

	Absent → Reserved → Running → Stopping → Absent
	            │           │
	            └───────────┴──→ Absent   (rollback / reconciler collect)

CanTransition validates lifecycle steps. The coordinator and the reconciler
do not record these states; the graph describes the steps their operations
take, with the reconciler short-circuiting Running → Absent when the
underlying process is gone.

All types are JSON-serializable: PoolState is what lands on disk, Session is
what the CLI prints.
*/
package types
