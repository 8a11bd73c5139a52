package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fzhlian/codexbridge/internal/install"
	"github.com/fzhlian/codexbridge/internal/logging"
	"github.com/fzhlian/codexbridge/internal/store"
)

var flagStatusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay service and runtime status",
	Long: `Display the state of the installed codexbridge service and, when the
relay is reachable, its live health: store mode, degradation, and the
number of connected machines.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagStatusURL, "url", "http://127.0.0.1:8787", "Base URL of the running relay")
	rootCmd.AddCommand(statusCmd)
}

type healthView struct {
	Status        string       `json:"status"`
	UptimeSeconds int          `json:"uptime_seconds"`
	Store         store.Health `json:"store"`
	Machines      int          `json:"machines"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel)

	s := install.Status()

	fmt.Printf("Platform:   %s\n", s.Platform)
	fmt.Printf("Binary:     %s\n", valueOrNA(s.BinaryPath))
	fmt.Printf("Config:     %s\n", s.ConfigPath)
	fmt.Printf("Installed:  %s\n", boolStatus(s.Installed))
	fmt.Printf("Running:    %s\n", boolStatus(s.Running))
	fmt.Printf("Version:    %s\n", rootCmd.Version)

	h, err := fetchHealth(flagStatusURL)
	if err != nil {
		fmt.Printf("\nRelay at %s: unreachable (%v)\n", flagStatusURL, err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Relay:")
	fmt.Printf("  Status:    %s\n", h.Status)
	fmt.Printf("  Uptime:    %s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Store:     %s\n", storeStatus(h.Store))
	fmt.Printf("  Machines:  %d\n", h.Machines)
	return nil
}

// fetchHealth queries the relay's health endpoint, which is never gated.
func fetchHealth(baseURL string) (*healthView, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	var h healthView
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

func storeStatus(h store.Health) string {
	if h.Degraded {
		return fmt.Sprintf("%s (degraded, %d remote errors)", h.Mode, h.RemoteErrors)
	}
	return h.Mode
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
