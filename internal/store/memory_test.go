package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryMarkIfUnseen(t *testing.T) {
	s := NewMemoryIdempotency()
	ctx := context.Background()

	ok, err := s.MarkIfUnseen(ctx, "msg-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first MarkIfUnseen = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.MarkIfUnseen(ctx, "msg-1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second MarkIfUnseen = %v, %v; want false, nil", ok, err)
	}

	seen, err := s.Seen(ctx, "msg-1")
	if err != nil || !seen {
		t.Errorf("Seen = %v, %v; want true, nil", seen, err)
	}
	seen, _ = s.Seen(ctx, "msg-2")
	if seen {
		t.Error("unmarked key reported as seen")
	}
}

func TestMemoryMarkIfUnseenAfterExpiry(t *testing.T) {
	s := NewMemoryIdempotency()
	ctx := context.Background()

	if ok, _ := s.MarkIfUnseen(ctx, "msg-1", 10*time.Millisecond); !ok {
		t.Fatal("first claim should win")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := s.MarkIfUnseen(ctx, "msg-1", time.Minute); !ok {
		t.Error("key should be claimable again after TTL expiry")
	}
}

func TestMemoryInflightLifecycle(t *testing.T) {
	s := NewMemoryInflight()
	ctx := context.Background()

	rec := InflightRecord{
		CommandID: "c1", UserID: "u1", MachineID: "m1",
		Kind: "patch", CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := s.Set(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if *got != rec {
		t.Errorf("Get = %+v, want %+v", *got, rec)
	}
	if got, _ := s.Get(ctx, "missing"); got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}

	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List = %d records, want 1", len(list))
	}

	removed, _ := s.Remove(ctx, "c1")
	if !removed {
		t.Error("Remove should report the record was present")
	}
	removed, _ = s.Remove(ctx, "c1")
	if removed {
		t.Error("second Remove should report absence")
	}
}

func TestMemoryInflightTTL(t *testing.T) {
	s := NewMemoryInflight()
	ctx := context.Background()

	s.Set(ctx, InflightRecord{CommandID: "c1"}, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if got, _ := s.Get(ctx, "c1"); got != nil {
		t.Error("expired record still visible via Get")
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Errorf("expired record still listed: %+v", list)
	}
}
