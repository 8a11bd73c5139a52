package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is one live agent socket. Sends are fire-and-forget: an error
// means the frame was not written, nothing more.
type Sender interface {
	SendJSON(v any) error
}

// MachineState is the registry's view of one connected machine. Staleness
// is computed by readers from LastHeartbeatAt, never stored.
type MachineState struct {
	MachineID       string    `json:"machine_id"`
	SessionID       string    `json:"session_id"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	RunningCount    int       `json:"running_count"`
	PendingCount    int       `json:"pending_count"`
	Stale           bool      `json:"stale"`
}

type machineEntry struct {
	state MachineState
	sock  Sender
}

// Registry tracks connected agent sessions. One live record per machineId;
// the sessionId disambiguates reconnects, so a disconnect handler from a
// superseded session cannot evict its successor. Two sockets racing to
// register the same machineId resolve last-register-wins; the superseded
// socket is not force-closed, it simply stops owning the record.
type Registry struct {
	mu               sync.Mutex
	machines         map[string]*machineEntry
	heartbeatTimeout time.Duration
	now              func() time.Time
}

// NewRegistry creates an empty registry. A machine whose last heartbeat is
// older than heartbeatTimeout is reported stale.
func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		machines:         make(map[string]*machineEntry),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// Register records a new session for machineID, superseding any previous
// one, and returns the new sessionId.
func (r *Registry) Register(machineID string, sock Sender) string {
	now := r.now()
	sessionID := uuid.NewString()
	r.mu.Lock()
	r.machines[machineID] = &machineEntry{
		state: MachineState{
			MachineID:       machineID,
			SessionID:       sessionID,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
		sock: sock,
	}
	r.mu.Unlock()
	return sessionID
}

// MarkHeartbeat refreshes liveness and load counters for machineID.
// Heartbeats from unregistered machines are dropped.
func (r *Registry) MarkHeartbeat(machineID string, running, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[machineID]
	if !ok {
		return
	}
	e.state.LastHeartbeatAt = r.now()
	e.state.RunningCount = running
	e.state.PendingCount = pending
}

// Remove evicts machineID only if sessionID still owns the record, and
// reports whether it did.
func (r *Registry) Remove(machineID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[machineID]
	if !ok || e.state.SessionID != sessionID {
		return false
	}
	delete(r.machines, machineID)
	return true
}

// List returns a snapshot of every registered machine.
func (r *Registry) List() []MachineState {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MachineState, 0, len(r.machines))
	for _, e := range r.machines {
		s := e.state
		s.Stale = now.Sub(s.LastHeartbeatAt) > r.heartbeatTimeout
		out = append(out, s)
	}
	return out
}

// State returns the snapshot for one machine.
func (r *Registry) State(machineID string) (MachineState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[machineID]
	if !ok {
		return MachineState{}, false
	}
	s := e.state
	s.Stale = r.now().Sub(s.LastHeartbeatAt) > r.heartbeatTimeout
	return s, true
}

// Socket returns the registered socket for machineID regardless of
// staleness.
func (r *Registry) Socket(machineID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[machineID]
	if !ok {
		return nil, false
	}
	return e.sock, true
}

// Live returns the socket for machineID only when the session is present
// and its heartbeat is fresh.
func (r *Registry) Live(machineID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.machines[machineID]
	if !ok {
		return nil, false
	}
	if r.now().Sub(e.state.LastHeartbeatAt) > r.heartbeatTimeout {
		return nil, false
	}
	return e.sock, true
}

// Count returns the number of registered machines.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}
