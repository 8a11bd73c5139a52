package cmd

import (
	"testing"

	"github.com/fzhlian/codexbridge/internal/store"
)

func TestStoreStatus(t *testing.T) {
	tests := []struct {
		name   string
		health store.Health
		want   string
	}{
		{"healthy memory", store.Health{Mode: "memory"}, "memory"},
		{"healthy sqlite", store.Health{Mode: "sqlite"}, "sqlite"},
		{"degraded", store.Health{Mode: "sqlite", Degraded: true, RemoteErrors: 3}, "sqlite (degraded, 3 remote errors)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := storeStatus(tt.health); got != tt.want {
				t.Errorf("storeStatus(%+v) = %q, want %q", tt.health, got, tt.want)
			}
		})
	}
}

func TestValueOrNA(t *testing.T) {
	if got := valueOrNA(""); got != "n/a" {
		t.Errorf("valueOrNA(\"\") = %q, want n/a", got)
	}
	if got := valueOrNA("/usr/local/bin/codexbridge"); got != "/usr/local/bin/codexbridge" {
		t.Errorf("valueOrNA passthrough = %q", got)
	}
}
