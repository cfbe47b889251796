// Command shopmesh runs the shopping assistant: an HTTP API, one-shot turns
// from the terminal and manual synchronizer passes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shopmesh"
	"github.com/hupe1980/shopmesh/config"
	"github.com/hupe1980/shopmesh/core"
	"github.com/hupe1980/shopmesh/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "shopmesh",
		Short:         "Conversational shopping assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (SHOPMESH_* env vars override)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }

	root.AddCommand(newServeCmd(load), newTurnCmd(load), newSyncCmd(load), newConfigCmd(load))
	return root
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the turn API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, err := shopmesh.NewLoggerFromConfig(cfg.Logging)
			if err != nil {
				return err
			}
			mesh, err := shopmesh.NewFromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer mesh.Close()

			if err := mesh.Start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr: cfg.Server.Addr,
				Handler: server.New(mesh, func(o *server.Options) {
					o.Timeout = cfg.Server.WriteTimeout
					o.Syncer = mesh.Synchronizer()
					o.Logger = logger.WithComponent("http")
				}),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("shopmesh listening", "addr", cfg.Server.Addr, "version", version)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newTurnCmd(load func() (*config.Config, error)) *cobra.Command {
	var userID, sessionID string

	cmd := &cobra.Command{
		Use:   "turn [text...]",
		Short: "Process a single turn and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			mesh, err := shopmesh.NewFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer mesh.Close()

			res, err := mesh.ProcessTurn(cmd.Context(), core.TurnInput{
				UserID:    userID,
				SessionID: sessionID,
				Text:      strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli-user", "user id")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli-session", "session id")
	return cmd
}

func newSyncCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronizer pass and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			mesh, err := shopmesh.NewFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer mesh.Close()

			report, err := mesh.Synchronizer().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signals=%d proposed=%d applied=%d unchanged=%d discarded=%d conflicts=%d failed=%d duration=%s\n",
				report.Signals, report.Proposed, report.Applied, report.Unchanged, report.Discarded,
				report.Conflicts, report.Failed, report.Duration)
			return nil
		},
	}
}

func newConfigCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "shopmesh.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Write(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Memory.Neo4jPassword = redact(cfg.Memory.Neo4jPassword)
			cfg.Reasoning.APIKey = redact(cfg.Reasoning.APIKey)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
