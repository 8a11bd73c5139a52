package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/fzhlian/codexbridge/internal/audit"
)

// The fallback wrappers keep the relay serving when the durable backend is
// unreachable: each operation tries the remote store and, on error, records
// the failure and runs against the in-memory twin instead. State written
// during an outage is lost on restart; availability is chosen over
// durability, never a crash.

type fallbackIdempotency struct {
	remote IdempotencyStore
	local  *MemoryIdempotency
	health *health
}

func (f *fallbackIdempotency) MarkIfUnseen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := f.remote.MarkIfUnseen(ctx, key, ttl)
	if err != nil {
		f.health.recordError()
		slog.Warn("idempotency store degraded", "error", err)
		return f.local.MarkIfUnseen(ctx, key, ttl)
	}
	f.health.recordOK()
	// Shadow into the local twin so a later outage still dedupes.
	f.local.Mark(ctx, key, ttl)
	return ok, nil
}

func (f *fallbackIdempotency) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := f.remote.Seen(ctx, key)
	if err != nil {
		f.health.recordError()
		return f.local.Seen(ctx, key)
	}
	f.health.recordOK()
	return ok, nil
}

func (f *fallbackIdempotency) Mark(ctx context.Context, key string, ttl time.Duration) error {
	f.local.Mark(ctx, key, ttl)
	if err := f.remote.Mark(ctx, key, ttl); err != nil {
		f.health.recordError()
		return nil
	}
	f.health.recordOK()
	return nil
}

type fallbackInflight struct {
	remote InflightStore
	local  *MemoryInflight
	health *health
}

func (f *fallbackInflight) Set(ctx context.Context, rec InflightRecord, ttl time.Duration) error {
	f.local.Set(ctx, rec, ttl)
	if err := f.remote.Set(ctx, rec, ttl); err != nil {
		f.health.recordError()
		slog.Warn("inflight store degraded", "commandId", rec.CommandID, "error", err)
		return nil
	}
	f.health.recordOK()
	return nil
}

func (f *fallbackInflight) Get(ctx context.Context, commandID string) (*InflightRecord, error) {
	rec, err := f.remote.Get(ctx, commandID)
	if err != nil {
		f.health.recordError()
		return f.local.Get(ctx, commandID)
	}
	f.health.recordOK()
	return rec, nil
}

func (f *fallbackInflight) Remove(ctx context.Context, commandID string) (bool, error) {
	localOK, _ := f.local.Remove(ctx, commandID)
	ok, err := f.remote.Remove(ctx, commandID)
	if err != nil {
		f.health.recordError()
		return localOK, nil
	}
	f.health.recordOK()
	return ok || localOK, nil
}

func (f *fallbackInflight) List(ctx context.Context) ([]InflightRecord, error) {
	recs, err := f.remote.List(ctx)
	if err != nil {
		f.health.recordError()
		return f.local.List(ctx)
	}
	f.health.recordOK()
	return recs, nil
}

// fallbackSink tracks health for the audit sink. There is no in-memory
// durable twin: on failure the projection alone carries the event, which
// the audit.Store already tolerates.
type fallbackSink struct {
	remote audit.Sink
	health *health
}

func (f *fallbackSink) Append(ctx context.Context, ev audit.Event, prevStatus, newStatus string) error {
	if err := f.remote.Append(ctx, ev, prevStatus, newStatus); err != nil {
		f.health.recordError()
		return err
	}
	f.health.recordOK()
	return nil
}

func (f *fallbackSink) Remove(ctx context.Context, commandID, lastStatus string) error {
	if err := f.remote.Remove(ctx, commandID, lastStatus); err != nil {
		f.health.recordError()
		return err
	}
	f.health.recordOK()
	return nil
}

func (f *fallbackSink) Replay(ctx context.Context, fn func(audit.Event) error) error {
	if err := f.remote.Replay(ctx, fn); err != nil {
		f.health.recordError()
		return err
	}
	f.health.recordOK()
	return nil
}
