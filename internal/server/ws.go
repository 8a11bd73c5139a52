package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fzhlian/codexbridge/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are headless processes, not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSender serializes writes to a single agent socket. gorilla/websocket
// permits at most one concurrent writer per connection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// handleAgentWS upgrades the connection and runs the agent session read loop.
// The session is anonymous until the first agent.hello frame names a machine.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}
	var machineID, sessionID string
	defer func() {
		if machineID != "" {
			s.engine.AgentDisconnected(machineID, sessionID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("agent socket closed", "machine", machineID, "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed agent frame", "machine", machineID, "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeAgentHello:
			var hello protocol.AgentHelloMessage
			if err := json.Unmarshal(data, &hello); err != nil {
				s.logger.Warn("malformed hello", "error", err)
				continue
			}
			if err := protocol.ValidateMachineID(hello.MachineID); err != nil {
				s.logger.Warn("hello rejected", "error", err)
				return
			}
			if machineID != "" && machineID != hello.MachineID {
				// A session speaks for exactly one machine.
				s.logger.Warn("hello for a different machine on open session",
					"machine", machineID, "claimed", hello.MachineID)
				return
			}
			machineID = hello.MachineID
			sessionID = s.engine.AgentConnected(machineID, sender)

		case protocol.TypeAgentHeartbeat:
			var hb protocol.AgentHeartbeatMessage
			if err := json.Unmarshal(data, &hb); err != nil {
				s.logger.Warn("malformed heartbeat", "machine", machineID, "error", err)
				continue
			}
			if machineID == "" || hb.MachineID != machineID {
				continue
			}
			s.engine.AgentHeartbeat(machineID, hb.RunningCount, hb.PendingCount)

		case protocol.TypeAgentResult:
			var msg protocol.AgentResultMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("malformed result", "machine", machineID, "error", err)
				continue
			}
			if err := s.engine.HandleResult(r.Context(), msg.Result); err != nil {
				s.logger.Warn("result rejected", "machine", machineID, "error", err)
			}

		default:
			s.logger.Warn("unknown agent frame", "type", env.Type, "machine", machineID)
		}
	}
}
