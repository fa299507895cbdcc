// Package cli implements the throttlesim command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/backoffer/config"
)

type rootFlags struct {
	configPath string
	envPrefix  string
	logLevel   string
}

// NewRootCmd returns the throttlesim command tree.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:   "throttlesim",
		Short: "Explore how the backoff throttle reacts to a destination",
		Long: `throttlesim loads a throttle policy and shows, step by step, how the
backoff throttle treats a destination.

Examples:
  throttlesim policy --config policy.yaml
  throttlesim replay 200,503,503,503,200 --step 100ms
  throttlesim serve 200,503,503,200 --addr 127.0.0.1:8080
  throttlesim probe http://127.0.0.1:8080/ --count 5`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "policy file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", config.DefaultEnvPrefix, "prefix of environment overrides")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newPolicyCmd(&flags),
		newReplayCmd(&flags),
		newProbeCmd(&flags),
		newServeCmd(&flags),
	)

	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (f *rootFlags) load() (config.Config, error) {
	return config.Load(f.configPath, f.envPrefix)
}

func (f *rootFlags) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(f.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", f.logLevel, err)
	}

	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}
