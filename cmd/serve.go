package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fzhlian/codexbridge/internal/audit"
	"github.com/fzhlian/codexbridge/internal/config"
	"github.com/fzhlian/codexbridge/internal/install"
	"github.com/fzhlian/codexbridge/internal/logging"
	"github.com/fzhlian/codexbridge/internal/metrics"
	"github.com/fzhlian/codexbridge/internal/notify"
	"github.com/fzhlian/codexbridge/internal/relay"
	"github.com/fzhlian/codexbridge/internal/server"
	"github.com/fzhlian/codexbridge/internal/store"
)

var (
	flagListen  string
	flagBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Run the codexbridge relay: the gateway ingest endpoint, the agent
WebSocket endpoint, the admin query surface, and the background inflight
sweep and audit prune loops.

On startup the audit trail is rehydrated from the configured backend, so
command history survives restarts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default from config, :8787)")
	serveCmd.Flags().StringVar(&flagBackend, "store", "", "Store backend: memory or sqlite (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel)

	configPath := flagConfig
	if configPath == "" {
		configPath = install.DefaultConfigFile
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagBackend != "" {
		cfg.StoreBackend = flagBackend
	}
	if s := resolveSecret(); s != "" {
		cfg.AdminSecret = s
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := store.New(store.Options{
		Backend:      cfg.StoreBackend,
		SQLitePath:   cfg.SQLitePath,
		AuditLogPath: cfg.AuditLogPath,
	})
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	trail := audit.NewStore(stores.AuditSink, logging.Component("audit"))
	if err := trail.Rehydrate(ctx, cfg.AuditMaxRecords); err != nil {
		return fmt.Errorf("rehydrate audit trail: %w", err)
	}
	logging.Component("audit").Info("trail rehydrated", "commands", trail.Count())

	var notifier relay.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL)
	} else {
		notifier = notify.LogNotifier{Logger: logging.Component("notify")}
	}

	m := metrics.New(func() float64 {
		return float64(stores.Health().RemoteErrors)
	})

	engine := relay.NewEngine(cfg, stores, trail, notifier, m, logging.Component("relay"))
	go engine.Run(ctx)

	srv := server.New(cfg, engine, stores.Health, m, logging.Component("server"))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
