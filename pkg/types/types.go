package types

import (
	"fmt"
	"time"
)

// AdoptedVMName is the placeholder owner recorded for allocations adopted
// from externally spawned websockify processes.
const AdoptedVMName = "__adopted__"

// PortAllocation is one record per in-use WebSocket port.
type PortAllocation struct {
	VMName      string    `json:"vm_name"`
	PID         *int      `json:"pid"` // nil until the supervisor reports a process
	AllocatedAt time.Time `json:"allocated_at"`
}

// Live reports whether the allocation has been promoted with a process ID.
func (a *PortAllocation) Live() bool {
	return a.PID != nil
}

// PoolState is the durable port pool document. Allocated ports are keyed by
// the port number rendered as a string so the document stays a plain JSON
// object; Free is kept sorted ascending.
type PoolState struct {
	Allocated   map[string]*PortAllocation `json:"allocated_ports"`
	Free        []int                      `json:"free_ports"`
	LastCleanup time.Time                  `json:"last_cleanup"`
}

// Session is the in-memory view of one running VNC bridge returned to
// callers.
type Session struct {
	VMName  string `json:"vm_name"`
	VNCHost string `json:"vnc_host"`
	VNCPort int    `json:"vnc_port"`
	WSPort  int    `json:"ws_port"`
	PID     int    `json:"pid"`
	URL     string `json:"url"`
}

// PoolStats is a point-in-time summary of port pool usage.
type PoolStats struct {
	Total       int       `json:"total_ports"`
	Allocated   int       `json:"allocated_ports"`
	Free        int       `json:"free_ports"`
	Utilization float64   `json:"utilization_percent"`
	LastCleanup time.Time `json:"last_cleanup"`
	PortRange   string    `json:"port_range"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	StaleReleased int `json:"stale_released"`
	Adopted       int `json:"adopted"`
	DriftWarnings int `json:"drift_warnings"`
}

// DiscoveredProcess is one websockify instance found in the OS process
// table.
type DiscoveredProcess struct {
	PID    int
	WSPort int
}

// SessionState tracks where a single VM session is in its lifecycle.
type SessionState string

const (
	// SessionStateAbsent means no resources are held for the VM
	SessionStateAbsent SessionState = "absent"

	// SessionStateReserved means a port is allocated but no process runs yet
	SessionStateReserved SessionState = "reserved"

	// SessionStateRunning means port and process are both committed
	SessionStateRunning SessionState = "running"

	// SessionStateStopping means teardown is in progress
	SessionStateStopping SessionState = "stopping"
)

// validTransitions holds the session lifecycle graph. Reserved falls back to
// Absent on spawn rollback; Running falls back to Absent when the reconciler
// collects a dead process.
var validTransitions = map[SessionState][]SessionState{
	SessionStateAbsent:   {SessionStateReserved},
	SessionStateReserved: {SessionStateRunning, SessionStateAbsent},
	SessionStateRunning:  {SessionStateStopping, SessionStateAbsent},
	SessionStateStopping: {SessionStateAbsent},
}

// CanTransition reports whether moving from one session state to another is
// a legal lifecycle step.
func CanTransition(from, to SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PortKey renders a port number the way PoolState keys it.
func PortKey(port int) string {
	return fmt.Sprintf("%d", port)
}
