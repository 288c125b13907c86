package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"callsync/internal/configuration"
	"callsync/internal/logging"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	configDir string
	profile   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "callsync",
		Short:        "Peer coordination for in-call state",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", configuration.DefaultDir, "directory holding application.yml")
	root.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile overlay, overrides "+configuration.ProfileEnv)

	root.AddCommand(newServeCommand(opts), newConfigCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Join the configured call and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := configuration.Load(opts.configDir, opts.profile)
			if err != nil {
				return err
			}
			logging.Init(props.App.LogLevel)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
			defer cancel()

			node := NewNode(props)
			if err := node.Start(); err != nil {
				slog.Error("failed to start node", "error", err)
				return err
			}
			slog.Info("node ready", "self", props.App.NodeID, "addr", node.Addr(), "peers", len(props.Transport.Peers))

			return node.Run(ctx)
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := configuration.Load(opts.configDir, opts.profile)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(props)
			if err != nil {
				return fmt.Errorf("render configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func init() {
	// Before configuration is read, log plainly at info.
	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stderr, logging.Options{Level: slog.LevelInfo})))
}
