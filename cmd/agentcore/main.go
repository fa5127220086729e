package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"go-pattern-agents/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Event-driven financial pattern agents",
	Long: `agentcore runs the income variability and spending pattern agents on an
in-process event bus. Transaction events are read as NDJSON lines of the form
{"kind":"EXPENSE_ADDED","payload":{...}} and every agent output is written to
stdout as NDJSON.

Examples:
  agentcore run --input events.ndjson
  cat events.ndjson | agentcore run --config agents.yaml
  agentcore config --config agents.yaml`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
