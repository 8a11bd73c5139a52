// Package audit keeps the command lifecycle history: an append-only event
// log plus a folded, queryable projection per command. The audit trail is
// the system of record for "what happened and why"; every externally
// visible failure lands here as well as in the HTTP response.
package audit

import "time"

// Event statuses written by the relay.
const (
	StatusCreated         = "created"
	StatusRetriedCreated  = "retried_created"
	StatusSentToAgent     = "sent_to_agent"
	StatusMachineOffline  = "machine_offline"
	StatusInflightTimeout = "inflight_timeout"
	StatusCancelSent      = "cancel_sent"
	StatusAgentOK         = "agent_ok"
	StatusAgentError      = "agent_error"
	StatusAgentRejected   = "agent_rejected"
	StatusAgentCancelled  = "agent_cancelled"

	// StatusRateLimited records an inbound message rejected before any
	// command was created; its trail entry is keyed by message id.
	StatusRateLimited = "rate_limited"
)

// Event is a single immutable entry in a command's history.
type Event struct {
	CommandID string            `json:"command_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    string            `json:"status"`
	UserID    string            `json:"user_id,omitempty"`
	MachineID string            `json:"machine_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Record is the folded projection of a command's event history. Status and
// UpdatedAt always reflect the most recent event; fields present in earlier
// events survive later events that omit them.
type Record struct {
	CommandID string    `json:"command_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id,omitempty"`
	MachineID string    `json:"machine_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Events    []Event   `json:"events"`
}

// Filter narrows ListRecent results. Empty fields match everything.
type Filter struct {
	UserID    string
	MachineID string
	Status    string
}

func (f Filter) matches(r *Record) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.MachineID != "" && r.MachineID != f.MachineID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
