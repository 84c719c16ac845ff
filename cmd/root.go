// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
)

var (
	cfgFile string
	// appCfg is populated by PersistentPreRunE before any subcommand runs.
	appCfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Pilot drives a browser through natural-language tasks.",
	Long: `Pilot turns natural-language requests into browser action plans, executes
them step by step, and adapts when the page does not cooperate. Destructive
steps are gated behind an interactive confirmation prompt.`,
	// Version is dynamically set at build time. See cmd/version.go.
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Runs before every command: config first, then logging.
		if err := initializeConfig(); err != nil {
			return err
		}

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Fall back to a bare console logger so the failure is visible.
			observability.InitializeLogger(config.LoggingConfig{Level: "info", Format: "console"})
			return err
		}
		appCfg = cfg

		observability.InitializeLogger(cfg.Logging())
		observability.GetLogger().Info("Starting pilot", zap.String("version", Version))
		return nil
	},
}

// ExecuteContext runs the root command under a caller-supplied context,
// typically one wired to SIGINT/SIGTERM. The returned error has already been
// logged; callers only decide the exit code.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches ., $HOME/.pilot, /etc/pilot)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newToolsCmd())
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig() error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pilot"))
		}
		v.AddConfigPath("/etc/pilot/")
	}

	v.SetEnvPrefix("PILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file found; defaults and env vars carry the run.
	}
	return nil
}
