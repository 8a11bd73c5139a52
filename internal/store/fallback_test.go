package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("store unreachable")

// brokenIdempotency fails every call, standing in for an unreachable backend.
type brokenIdempotency struct{}

func (brokenIdempotency) MarkIfUnseen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errDown
}
func (brokenIdempotency) Seen(ctx context.Context, key string) (bool, error) { return false, errDown }
func (brokenIdempotency) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return errDown
}

type brokenInflight struct{}

func (brokenInflight) Set(ctx context.Context, rec InflightRecord, ttl time.Duration) error {
	return errDown
}
func (brokenInflight) Get(ctx context.Context, commandID string) (*InflightRecord, error) {
	return nil, errDown
}
func (brokenInflight) Remove(ctx context.Context, commandID string) (bool, error) {
	return false, errDown
}
func (brokenInflight) List(ctx context.Context) ([]InflightRecord, error) { return nil, errDown }

func TestFallbackIdempotencyDegrades(t *testing.T) {
	h := &health{mode: "sqlite"}
	f := &fallbackIdempotency{remote: brokenIdempotency{}, local: NewMemoryIdempotency(), health: h}
	ctx := context.Background()

	ok, err := f.MarkIfUnseen(ctx, "msg-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkIfUnseen = %v, %v; want true from fallback", ok, err)
	}
	// Dedupe still works through the in-memory twin.
	ok, _ = f.MarkIfUnseen(ctx, "msg-1", time.Minute)
	if ok {
		t.Error("duplicate claim should lose even in degraded mode")
	}

	snap := h.snapshot()
	if !snap.Degraded || snap.RemoteErrors == 0 {
		t.Errorf("health not degraded: %+v", snap)
	}
}

func TestFallbackInflightDegrades(t *testing.T) {
	h := &health{mode: "sqlite"}
	f := &fallbackInflight{remote: brokenInflight{}, local: NewMemoryInflight(), health: h}
	ctx := context.Background()

	rec := InflightRecord{CommandID: "c1", UserID: "u1"}
	if err := f.Set(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Set should not surface remote failure: %v", err)
	}
	got, err := f.Get(ctx, "c1")
	if err != nil || got == nil || got.CommandID != "c1" {
		t.Fatalf("Get via fallback = %v, %v", got, err)
	}
	list, err := f.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List via fallback = %v, %v", list, err)
	}
	removed, err := f.Remove(ctx, "c1")
	if err != nil || !removed {
		t.Fatalf("Remove via fallback = %v, %v", removed, err)
	}
	if !h.snapshot().Degraded {
		t.Error("health should be degraded")
	}
}

func TestFallbackRecovery(t *testing.T) {
	h := &health{mode: "sqlite"}
	f := &fallbackIdempotency{remote: NewMemoryIdempotency(), local: NewMemoryIdempotency(), health: h}
	h.recordError() // simulate a past outage

	if _, err := f.MarkIfUnseen(context.Background(), "msg-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	snap := h.snapshot()
	if snap.Degraded {
		t.Error("health should clear after a successful remote call")
	}
	if snap.RemoteErrors != 1 {
		t.Errorf("error count should persist, got %d", snap.RemoteErrors)
	}
}
