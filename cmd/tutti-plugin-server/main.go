// tutti-plugin-server hosts one audio plugin in an isolated process. It is
// spawned by the host library with a control socket path and exits when the
// host shuts it down or disconnects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PoHsuanLai/tutti-plugin/config"
	"github.com/PoHsuanLai/tutti-plugin/server"
)

var (
	socketPath string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "tutti-plugin-server",
	Short:        "Out-of-process audio plugin host",
	Long:         "tutti-plugin-server hosts a single audio plugin behind a control socket and a shared audio region, isolating plugin crashes from the host process.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if socketPath == "" {
			return fmt.Errorf("--socket is required")
		}

		logger, err := buildLogger()
		if err != nil {
			return err
		}

		if configPath != "" {
			// The config file carries host-side settings; the server only
			// checks it parses so a bad deployment fails loudly here.
			if _, err := config.FromFile(configPath); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(socketPath, server.WithLogger(logger))
		return srv.Serve(ctx)
	},
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the host configuration JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "control socket path (required)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional TOML config file to validate")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
