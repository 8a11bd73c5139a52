// Package store defines the persistence interfaces for relay state and
// provides two implementations of each: in-memory (single instance) and
// SQLite-backed (durable, shareable across relay instances). The
// orchestrator depends only on the interfaces; a factory selects the
// backend from configuration.
package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fzhlian/codexbridge/internal/audit"
)

// IdempotencyStore dedupes inbound messages by external message id.
type IdempotencyStore interface {
	// MarkIfUnseen atomically records key if it is not already present and
	// reports whether this call was the one that recorded it. The check and
	// set are a single operation against the backing store: concurrent
	// duplicate deliveries cannot both return true.
	MarkIfUnseen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Seen reports whether key is present and unexpired.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key unconditionally.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// InflightRecord tracks a dispatched-but-unresolved command. One exists
// iff the command has been sent to an agent and has no terminal outcome.
type InflightRecord struct {
	CommandID   string `json:"command_id"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	Kind        string `json:"kind"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// InflightStore tracks inflight records. Each entry carries its own TTL in
// the backing store as a safety net behind the sweep.
type InflightStore interface {
	Set(ctx context.Context, rec InflightRecord, ttl time.Duration) error
	// Get returns nil with no error when the record is absent.
	Get(ctx context.Context, commandID string) (*InflightRecord, error)
	// Remove reports whether a record was present. Removing an absent
	// record is not an error.
	Remove(ctx context.Context, commandID string) (bool, error)
	List(ctx context.Context) ([]InflightRecord, error)
}

// Health reports the store layer's degradation state.
type Health struct {
	Mode         string `json:"mode"`
	Degraded     bool   `json:"degraded"`
	RemoteErrors int64  `json:"remote_errors"`
}

// health is the shared mutable counter behind Health snapshots.
type health struct {
	mode     string
	degraded atomic.Bool
	errors   atomic.Int64
}

func (h *health) recordError() {
	h.errors.Add(1)
	h.degraded.Store(true)
}

func (h *health) recordOK() {
	h.degraded.Store(false)
}

func (h *health) snapshot() Health {
	return Health{
		Mode:         h.mode,
		Degraded:     h.degraded.Load(),
		RemoteErrors: h.errors.Load(),
	}
}

// Stores bundles one instance of each store kind plus the audit sink,
// all sharing a single backend and health state.
type Stores struct {
	Idempotency IdempotencyStore
	Inflight    InflightStore
	AuditSink   audit.Sink

	health *health
	closer func() error
}

// Health returns a point-in-time snapshot of store health.
func (s *Stores) Health() Health {
	return s.health.snapshot()
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// Options configures the factory.
type Options struct {
	Backend      string // "memory" or "sqlite"
	SQLitePath   string
	AuditLogPath string // JSONL audit log, memory backend only
}

// New builds the store set for the configured backend. The sqlite backend
// wraps every store with an in-memory fallback so a failing database
// degrades durability rather than availability.
func New(opts Options) (*Stores, error) {
	switch opts.Backend {
	case "sqlite":
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		h := &health{mode: "sqlite"}
		return &Stores{
			Idempotency: &fallbackIdempotency{remote: db.Idempotency(), local: NewMemoryIdempotency(), health: h},
			Inflight:    &fallbackInflight{remote: db.Inflight(), local: NewMemoryInflight(), health: h},
			AuditSink:   &fallbackSink{remote: db.AuditSink(), health: h},
			health:      h,
			closer:      db.Close,
		}, nil
	default:
		sink, err := audit.NewFileSink(opts.AuditLogPath)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Idempotency: NewMemoryIdempotency(),
			Inflight:    NewMemoryInflight(),
			AuditSink:   sink,
			health:      &health{mode: "memory"},
			closer:      sink.Close,
		}, nil
	}
}
