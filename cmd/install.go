package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fzhlian/codexbridge/internal/install"
	"github.com/fzhlian/codexbridge/internal/logging"
)

var (
	flagInstallListen  string
	flagInstallBackend string
	flagInstallNotify  string
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install codexbridge as a system service",
	Long: `Install codexbridge as a systemd service (Linux) or launchd daemon (macOS).

This command:
  1. Writes a config file to /etc/codexbridge/config.yaml
  2. Creates the data directory for the sqlite store and audit log
  3. Creates and enables a system service
  4. Starts the service immediately

The service runs 'codexbridge serve' with the written config.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagInstallListen, "listen", ":8787", "Listen address for the relay")
	installCmd.Flags().StringVar(&flagInstallBackend, "store", "sqlite", "Store backend: memory or sqlite")
	installCmd.Flags().StringVar(&flagInstallNotify, "notify-url", "", "Gateway webhook URL for result notifications")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel)

	fmt.Println("Installing codexbridge...")

	cfg := install.InstallConfig{
		ListenAddr:   flagInstallListen,
		AdminSecret:  resolveSecret(),
		StoreBackend: flagInstallBackend,
		NotifyURL:    flagInstallNotify,
	}

	if err := install.Install(cfg); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Println("codexbridge installed and running.")
	fmt.Printf("  Config: %s\n", install.DefaultConfigFile)
	fmt.Printf("  Store:  %s\n", flagInstallBackend)
	fmt.Println("\nCheck status with: codexbridge status")
	return nil
}
