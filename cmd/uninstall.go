package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fzhlian/codexbridge/internal/install"
	"github.com/fzhlian/codexbridge/internal/logging"
)

var flagPurge bool

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the codexbridge system service",
	Long: `Stop and remove the codexbridge system service.

By default, the config file at /etc/codexbridge/ is preserved.
Use --purge to also remove the config directory.`,
	RunE: runUninstall,
}

func init() {
	uninstallCmd.Flags().BoolVar(&flagPurge, "purge", false, "Also remove config files")
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel)

	if err := install.Uninstall(flagPurge); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}

	fmt.Println("codexbridge service removed.")
	if flagPurge {
		fmt.Println("Config files purged.")
	} else {
		fmt.Printf("Config preserved at %s (use --purge to remove)\n", install.DefaultConfigDir)
	}
	return nil
}
