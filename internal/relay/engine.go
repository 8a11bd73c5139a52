// Package relay implements the command lifecycle engine: inbound message
// to typed command, dispatch to a machine session, inflight tracking,
// timeout recovery, retry and cancel, and the audit trail around all of it.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fzhlian/codexbridge/internal/audit"
	"github.com/fzhlian/codexbridge/internal/config"
	"github.com/fzhlian/codexbridge/internal/intent"
	"github.com/fzhlian/codexbridge/internal/metrics"
	"github.com/fzhlian/codexbridge/internal/protocol"
	"github.com/fzhlian/codexbridge/internal/ratelimit"
	"github.com/fzhlian/codexbridge/internal/store"
)

// maxRefHops bounds reference-chain resolution for apply commands.
const maxRefHops = 8

// Notifier pushes an asynchronous result back to the original sender.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// InboundMessage is the normalized message the gateway delivers.
type InboundMessage struct {
	MsgID     string `json:"msgId"`
	UserID    string `json:"userId"`
	MachineID string `json:"machineId,omitempty"`
	Text      string `json:"text"`
}

// Ack is the immediate reply to an inbound message. Handled false means the
// text was not a command and should flow to conversational handling.
type Ack struct {
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reply     string `json:"reply,omitempty"`
}

// Engine composes the stores, registry, parser, and limiter into the
// end-to-end command lifecycle. One Engine is constructed at boot and held
// by the server; all mutable process state (template cache, rate-limiter
// counters) lives here.
type Engine struct {
	cfg       *config.Config
	registry  *Registry
	templates *TemplateCache
	limiter   *ratelimit.Limiter
	idem      store.IdempotencyStore
	inflight  store.InflightStore
	trail     *audit.Store
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine wires an engine from configuration and its collaborators.
func NewEngine(cfg *config.Config, stores *store.Stores, trail *audit.Store, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		registry:  NewRegistry(cfg.HeartbeatTimeout),
		templates: NewTemplateCache(cfg.TemplateTTL, cfg.TemplateMax),
		limiter:   ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax),
		idem:      stores.Idempotency,
		inflight:  stores.Inflight,
		trail:     trail,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Registry exposes the machine registry to the transport layer.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Trail exposes the audit projection to the admin surface.
func (e *Engine) Trail() *audit.Store {
	return e.trail
}

// InflightList returns the current inflight records.
func (e *Engine) InflightList(ctx context.Context) ([]store.InflightRecord, error) {
	return e.inflight.List(ctx)
}

// HandleMessage runs the ingest pipeline for one normalized gateway
// message: rate limit, dedupe, parse, build, resolve, dispatch.
func (e *Engine) HandleMessage(ctx context.Context, msg InboundMessage) (*Ack, error) {
	if msg.MsgID == "" || msg.UserID == "" {
		return nil, errf(KindValidation, "message missing msgId or userId")
	}
	e.metrics.MessagesReceived.Inc()

	if !e.limiter.Allow(msg.UserID) {
		e.metrics.MessagesThrottled.Inc()
		e.audit(ctx, audit.Event{
			CommandID: "msg:" + msg.MsgID,
			Timestamp: e.now(),
			Status:    audit.StatusRateLimited,
			UserID:    msg.UserID,
			Summary:   msg.Text,
		})
		return nil, errf(KindRateLimited, "user %s exceeded %d messages per %s",
			msg.UserID, e.cfg.RateLimitMax, e.cfg.RateLimitWindow)
	}

	fresh, err := e.idem.MarkIfUnseen(ctx, msg.MsgID, e.cfg.IdempotencyTTL)
	if err != nil {
		// Degraded mode already fell back in the store layer; an error
		// here means even the fallback failed, which should not happen.
		e.logger.Error("idempotency check failed", "msgId", msg.MsgID, "error", err)
	}
	if !fresh {
		e.metrics.MessagesDuplicate.Inc()
		e.logger.Info("duplicate message ignored", "msgId", msg.MsgID, "userId", msg.UserID)
		return &Ack{Duplicate: true, Reply: "duplicate delivery ignored"}, nil
	}

	cmd := intent.Parse(msg.Text)
	if cmd == nil {
		return &Ack{Handled: false}, nil
	}
	if msg.MachineID == "" {
		return nil, errf(KindValidation, "message classified as %s but names no machine", cmd.Kind)
	}
	if err := protocol.ValidateMachineID(msg.MachineID); err != nil {
		return nil, errf(KindValidation, "invalid machineId: %v", err)
	}

	env := protocol.CommandEnvelope{
		CommandID: e.newID(),
		MachineID: msg.MachineID,
		UserID:    msg.UserID,
		Kind:      cmd.Kind,
		Prompt:    cmd.Prompt,
		RefID:     cmd.RefID,
		CreatedAt: e.now(),
	}
	if env.Kind == protocol.KindApply && env.RefID != "" {
		env.RefID = e.resolveRef(env.RefID)
	}
	e.templates.Put(env)
	e.metrics.CommandsCreated.WithLabelValues(env.Kind).Inc()

	e.audit(ctx, audit.Event{
		CommandID: env.CommandID,
		Timestamp: env.CreatedAt,
		Status:    audit.StatusCreated,
		UserID:    env.UserID,
		MachineID: env.MachineID,
		Kind:      env.Kind,
		Summary:   msg.Text,
		Metadata:  map[string]string{"msg_id": msg.MsgID},
	})

	if err := e.dispatch(ctx, env); err != nil {
		reply := fmt.Sprintf("machine %s is offline, command %s was not dispatched", env.MachineID, env.CommandID)
		return &Ack{Handled: true, CommandID: env.CommandID, Kind: env.Kind, Reply: reply}, nil
	}
	return &Ack{
		Handled:   true,
		CommandID: env.CommandID,
		Kind:      env.Kind,
		Reply:     fmt.Sprintf("%s command %s dispatched to %s", env.Kind, env.CommandID, env.MachineID),
	}, nil
}

// dispatch sends env to its machine's live session and registers the
// inflight record. When the session is absent or stale, or the socket
// write fails, it audits machine_offline and synthesizes the failure
// result for the sender; no inflight record is created.
func (e *Engine) dispatch(ctx context.Context, env protocol.CommandEnvelope) error {
	sock, live := e.registry.Live(env.MachineID)
	if live {
		err := sock.SendJSON(protocol.CommandMessage{Type: protocol.TypeCommand, Command: env})
		if err != nil {
			e.logger.Warn("command send failed", "commandId", env.CommandID, "machineId", env.MachineID, "error", err)
			live = false
		}
	}
	if !live {
		e.metrics.CommandsOffline.Inc()
		e.audit(ctx, audit.Event{
			CommandID: env.CommandID,
			Timestamp: e.now(),
			Status:    audit.StatusMachineOffline,
			UserID:    env.UserID,
			MachineID: env.MachineID,
			Kind:      env.Kind,
		})
		e.notify(ctx, env.UserID, fmt.Sprintf(
			"command %s failed: machine %s is offline", env.CommandID, env.MachineID))
		return errf(KindConflict, "machine %s has no live session", env.MachineID)
	}

	rec := store.InflightRecord{
		CommandID:   env.CommandID,
		UserID:      env.UserID,
		MachineID:   env.MachineID,
		Kind:        env.Kind,
		CreatedAtMs: e.now().UnixMilli(),
	}
	if err := e.inflight.Set(ctx, rec, e.cfg.InflightTTL); err != nil {
		e.logger.Error("inflight registration failed", "commandId", env.CommandID, "error", err)
	}
	e.audit(ctx, audit.Event{
		CommandID: env.CommandID,
		Timestamp: e.now(),
		Status:    audit.StatusSentToAgent,
		MachineID: env.MachineID,
	})
	e.sendTrace(env.MachineID, map[string]any{
		"commandId": env.CommandID,
		"stage":     "dispatched",
	})
	e.refreshGauges(ctx)
	return nil
}

// HandleResult consumes an agent-originated result. A result whose
// inflight record is gone (already timed out, or a duplicate delivery) is
// silently ignored.
func (e *Engine) HandleResult(ctx context.Context, res protocol.ResultEnvelope) error {
	if err := protocol.ValidateResult(&res); err != nil {
		return errf(KindValidation, "%v", err)
	}

	rec, err := e.inflight.Get(ctx, res.CommandID)
	if err != nil {
		e.logger.Warn("inflight lookup failed", "commandId", res.CommandID, "error", err)
	}
	if rec == nil {
		e.logger.Info("result for unknown or finished command ignored", "commandId", res.CommandID)
		return nil
	}
	removed, err := e.inflight.Remove(ctx, res.CommandID)
	if err != nil {
		e.logger.Warn("inflight removal failed", "commandId", res.CommandID, "error", err)
	}
	if !removed {
		// Lost the race against the sweep or a duplicate delivery.
		return nil
	}

	e.metrics.ResultsReceived.WithLabelValues(res.Status).Inc()
	e.audit(ctx, audit.Event{
		CommandID: res.CommandID,
		Timestamp: e.now(),
		Status:    "agent_" + res.Status,
		MachineID: res.MachineID,
		Summary:   res.Summary,
	})

	text := fmt.Sprintf("command %s finished with status %s: %s", res.CommandID, res.Status, res.Summary)
	if res.Diff != "" {
		text += "\n" + res.Diff
	}
	e.notify(ctx, rec.UserID, text)
	e.refreshGauges(ctx)
	return nil
}

// Retry re-dispatches a cached command template as a fresh command. The
// caller must own the template and the target machine must have a live
// session. The clone reuses the originally resolved reference for apply
// commands rather than re-resolving it.
func (e *Engine) Retry(ctx context.Context, commandID, userID string) (string, error) {
	tpl, ok := e.templates.Get(commandID)
	if !ok {
		return "", errf(KindNotFound, "no retryable command %s", commandID)
	}
	if userID == "" || tpl.UserID != userID {
		return "", errf(KindUnauthorized, "command %s is not owned by %q", commandID, userID)
	}
	if _, live := e.registry.Live(tpl.MachineID); !live {
		return "", errf(KindConflict, "machine %s has no live session", tpl.MachineID)
	}

	clone := tpl
	clone.CommandID = e.newID()
	clone.CreatedAt = e.now()
	e.templates.Put(clone)

	e.audit(ctx, audit.Event{
		CommandID: clone.CommandID,
		Timestamp: clone.CreatedAt,
		Status:    audit.StatusRetriedCreated,
		UserID:    clone.UserID,
		MachineID: clone.MachineID,
		Kind:      clone.Kind,
		Summary:   clone.Prompt,
		Metadata:  map[string]string{"source_command_id": commandID},
	})
	e.metrics.CommandsCreated.WithLabelValues(clone.Kind).Inc()

	if err := e.dispatch(ctx, clone); err != nil {
		return clone.CommandID, err
	}
	return clone.CommandID, nil
}

// Cancel sends a best-effort cancel notification for an owned command.
// The relay cannot confirm the agent actually stopped; the audit entry
// records only that the request was sent.
func (e *Engine) Cancel(ctx context.Context, commandID, userID string) error {
	owner, machineID := "", ""
	if tpl, ok := e.templates.Get(commandID); ok {
		owner, machineID = tpl.UserID, tpl.MachineID
	} else if rec, err := e.inflight.Get(ctx, commandID); err == nil && rec != nil {
		owner, machineID = rec.UserID, rec.MachineID
	} else {
		return errf(KindNotFound, "unknown command %s", commandID)
	}
	if userID == "" || owner != userID {
		return errf(KindUnauthorized, "command %s is not owned by %q", commandID, userID)
	}
	sock, live := e.registry.Live(machineID)
	if !live {
		return errf(KindConflict, "machine %s has no live session", machineID)
	}

	msg := protocol.CommandCancelMessage{
		Type:        protocol.TypeCommandCancel,
		CommandID:   commandID,
		RequestedAt: e.now(),
	}
	if err := sock.SendJSON(msg); err != nil {
		e.logger.Warn("cancel send failed", "commandId", commandID, "error", err)
	}
	e.audit(ctx, audit.Event{
		CommandID: commandID,
		Timestamp: e.now(),
		Status:    audit.StatusCancelSent,
		UserID:    userID,
		MachineID: machineID,
	})
	return nil
}

// resolveRef walks the apply reference chain to the last resolvable id:
// at most maxRefHops hops, cycle-guarded, consulting the template cache
// first and the audit trail's creation text second.
func (e *Engine) resolveRef(refID string) string {
	visited := make(map[string]bool, maxRefHops)
	current := refID
	for hop := 0; hop < maxRefHops; hop++ {
		if visited[current] {
			break
		}
		visited[current] = true
		next := e.forwardRef(current)
		if next == "" || next == current {
			break
		}
		current = next
	}
	return current
}

// forwardRef returns the id that id itself points at, or "" when id is a
// chain end.
func (e *Engine) forwardRef(id string) string {
	if tpl, ok := e.templates.Get(id); ok {
		if tpl.Kind == protocol.KindApply {
			return tpl.RefID
		}
		return ""
	}
	rec := e.trail.Get(id)
	if rec == nil {
		return ""
	}
	for _, ev := range rec.Events {
		if ev.Status != audit.StatusCreated && ev.Status != audit.StatusRetriedCreated {
			continue
		}
		if cmd := intent.Parse(ev.Summary); cmd != nil && cmd.Kind == protocol.KindApply {
			return cmd.RefID
		}
		break
	}
	return ""
}

// SweepInflight finds commands older than the inflight timeout, removes
// them, and synthesizes the terminal error for each. The remove-if-present
// return guards exactly-once finalization against racing result delivery.
func (e *Engine) SweepInflight(ctx context.Context) {
	recs, err := e.inflight.List(ctx)
	if err != nil {
		e.logger.Error("inflight sweep list failed", "error", err)
		return
	}
	cutoff := e.now().UnixMilli() - e.cfg.InflightTimeout.Milliseconds()
	for _, rec := range recs {
		if rec.CreatedAtMs > cutoff {
			continue
		}
		removed, err := e.inflight.Remove(ctx, rec.CommandID)
		if err != nil {
			e.logger.Warn("inflight sweep removal failed", "commandId", rec.CommandID, "error", err)
			continue
		}
		if !removed {
			continue
		}
		e.metrics.InflightTimeouts.Inc()
		e.logger.Warn("command timed out in flight",
			"commandId", rec.CommandID, "machineId", rec.MachineID, "userId", rec.UserID)
		e.audit(ctx, audit.Event{
			CommandID: rec.CommandID,
			Timestamp: e.now(),
			Status:    audit.StatusInflightTimeout,
			UserID:    rec.UserID,
			MachineID: rec.MachineID,
			Kind:      rec.Kind,
		})
		e.notify(ctx, rec.UserID, fmt.Sprintf(
			"command %s timed out: no result from machine %s within %s",
			rec.CommandID, rec.MachineID, e.cfg.InflightTimeout))
	}
	e.refreshGauges(ctx)
}

// Run drives the engine's timers until ctx is cancelled: the inflight
// sweep and the audit retention prune run on independent fixed intervals.
func (e *Engine) Run(ctx context.Context) {
	sweep := time.NewTicker(e.cfg.InflightSweep)
	prune := time.NewTicker(e.cfg.AuditPruneEvery)
	defer sweep.Stop()
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			e.SweepInflight(ctx)
		case <-prune.C:
			e.trail.PruneOverflow(ctx, e.cfg.AuditMaxRecords)
		}
	}
}

// AgentConnected registers a new machine session.
func (e *Engine) AgentConnected(machineID string, sock Sender) string {
	sessionID := e.registry.Register(machineID, sock)
	e.metrics.MachinesConnected.Set(float64(e.registry.Count()))
	e.logger.Info("agent connected", "machineId", machineID, "sessionId", sessionID)
	return sessionID
}

// AgentHeartbeat refreshes a machine's liveness and load counters.
func (e *Engine) AgentHeartbeat(machineID string, running, pending int) {
	e.registry.MarkHeartbeat(machineID, running, pending)
}

// AgentDisconnected removes the machine record if sessionID still owns it.
func (e *Engine) AgentDisconnected(machineID, sessionID string) {
	if e.registry.Remove(machineID, sessionID) {
		e.logger.Info("agent disconnected", "machineId", machineID, "sessionId", sessionID)
	}
	e.metrics.MachinesConnected.Set(float64(e.registry.Count()))
}

// audit applies ev to the trail, logging rather than failing the caller
// when the durable sink is struggling.
func (e *Engine) audit(ctx context.Context, ev audit.Event) {
	if err := e.trail.ApplyEvent(ctx, ev, e.cfg.AuditMaxRecords); err != nil {
		e.logger.Warn("audit write degraded", "commandId", ev.CommandID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, userID, text string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, userID, text); err != nil {
		e.logger.Warn("sender notification failed", "userId", userID, "error", err)
	}
}

// sendTrace pushes a best-effort diagnostic frame to the machine's socket.
// Dropped silently when the socket is gone.
func (e *Engine) sendTrace(machineID string, trace map[string]any) {
	sock, ok := e.registry.Socket(machineID)
	if !ok {
		return
	}
	_ = sock.SendJSON(protocol.RelayTraceMessage{Type: protocol.TypeRelayTrace, Trace: trace})
}

func (e *Engine) refreshGauges(ctx context.Context) {
	if recs, err := e.inflight.List(ctx); err == nil {
		e.metrics.InflightCommands.Set(float64(len(recs)))
	}
	e.metrics.MachinesConnected.Set(float64(e.registry.Count()))
}
