package protocol

import "time"

// Message types
const (
	TypeAgentHello     = "agent.hello"
	TypeAgentHeartbeat = "agent.heartbeat"
	TypeAgentResult    = "agent.result"
	TypeCommand        = "command"
	TypeCommandCancel  = "command.cancel"
	TypeRelayTrace     = "relay.trace"
)

// Command kinds a relayed message can be classified into.
const (
	KindHelp   = "help"
	KindStatus = "status"
	KindPlan   = "plan"
	KindPatch  = "patch"
	KindApply  = "apply"
	KindTest   = "test"
)

// Result statuses an agent can report.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// Envelope is used for initial JSON decode to determine message type.
type Envelope struct {
	Type string `json:"type"`
}

// CommandEnvelope is a typed command relayed to an agent. Immutable once
// created; retries clone it with a fresh CommandID.
type CommandEnvelope struct {
	CommandID string    `json:"commandId"`
	MachineID string    `json:"machineId"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Prompt    string    `json:"prompt,omitempty"`
	RefID     string    `json:"refId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResultEnvelope is the terminal outcome an agent reports for a command.
type ResultEnvelope struct {
	CommandID string    `json:"commandId"`
	MachineID string    `json:"machineId"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary"`
	Diff      string    `json:"diff,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type AgentHelloMessage struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

type AgentHeartbeatMessage struct {
	Type         string `json:"type"`
	MachineID    string `json:"machineId"`
	RunningCount int    `json:"runningCount"`
	PendingCount int    `json:"pendingCount"`
}

type AgentResultMessage struct {
	Type   string         `json:"type"`
	Result ResultEnvelope `json:"result"`
}

type CommandMessage struct {
	Type    string          `json:"type"`
	Command CommandEnvelope `json:"command"`
}

type CommandCancelMessage struct {
	Type        string    `json:"type"`
	CommandID   string    `json:"commandId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RelayTraceMessage is a best-effort diagnostic frame. It carries no
// delivery guarantee and is dropped silently when the socket is not open.
type RelayTraceMessage struct {
	Type  string         `json:"type"`
	Trace map[string]any `json:"trace"`
}
