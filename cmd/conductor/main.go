// Command conductor runs task sets through the distribution and pipeline
// engines and serves the status API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
	"github.com/aixgo-dev/conductor/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Fault-tolerant task coordination for worker pools",
	Long: `Conductor dispatches tasks to registered workers, either spread in
parallel over a pool or handed through a sequence of pipeline stages. Every
dispatch goes through retries with backoff and a per-worker circuit breaker.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		conductor.Version = Version
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnv("CONDUCTOR_CONFIG", ""), "Configuration file (YAML)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pipelinesCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "conductor %s\n", Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, or returns the defaults with environment
// overrides when no file is given.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func newCoordinator(ctx context.Context, cfg *config.Config) (*conductor.Coordinator, error) {
	c, err := conductor.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start coordinator: %w", err)
	}
	return c, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
