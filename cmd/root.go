// Package cmd implements the appforge command line.
package cmd

import (
	"errors"
	"io/fs"

	"appforge/internal/config"
	"appforge/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "Multi-stage LLM web app generator",
	Long: `appforge turns a plain-language request into a single-page web app
(HTML, CSS and JavaScript). A run researches the request, refines it in a
short model discussion, generates a first version, plans enhancements and
applies them one step at a time, finishing with a quality pass.

Available commands:
  serve    - HTTP and websocket server
  run      - one-shot generation in the terminal
  models   - list the available models by capability
  migrate  - create or prune the run history tables
  version  - print build information`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logging.Configure(cfg.Log); err != nil {
			return err
		}
		logging.L().Debug("configuration loaded",
			zap.String("environment", cfg.Environment),
			zap.String("endpoint", cfg.API.Endpoint))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $"+config.ConfigEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
