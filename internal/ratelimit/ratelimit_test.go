package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUpToMax(t *testing.T) {
	l := New(time.Minute, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("u1") {
		t.Error("call beyond max should be denied")
	}
	// Other senders have their own window.
	if !l.Allow("u2") {
		t.Error("independent sender should be allowed")
	}
}

func TestWindowReset(t *testing.T) {
	l := New(20*time.Millisecond, 1)
	if !l.Allow("u1") {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("u1") {
		t.Fatal("second call in window should be denied")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("u1") {
		t.Error("call after window boundary should be allowed")
	}
}
