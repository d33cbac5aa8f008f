package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelhostd/internal/config"
	"modelhostd/internal/daemon"
	"modelhostd/internal/httpapi"
	"modelhostd/internal/reclaim"
	"modelhostd/internal/selector"
	"modelhostd/pkg/types"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "modelhostd",
		Short:         "Local model host daemon: one backend process at a time, supervised",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("MODELHOSTD_CONFIG"),
		"Config file (.yaml/.json/.toml); defaults apply when empty")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info",
		"Log level: debug|info|warn|error")

	root.AddCommand(
		newServeCmd(opts),
		newModelsCmd(opts),
		newSelectCmd(opts),
		newCleanupCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

func setup(opts *rootOptions) (config.Config, zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()

	cfg := config.Defaults()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, log, fmt.Errorf("load config: %w", err)
		}
		cfg = config.Merge(cfg, loaded)
	}
	return cfg, log, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var corsEnabled bool
	var corsOrigins string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}

			if corsEnabled {
				httpapi.SetCORSOptions(true,
					strings.Split(corsOrigins, ","),
					[]string{"GET", "POST", "OPTIONS"},
					[]string{"Accept", "Content-Type"})
			}
			srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(d)}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).
					Msg("modelhostd listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			d.Shutdown(ctx)
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, overrides config")
	cmd.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "*", "Comma-separated allowed origins")
	return cmd
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List discoverable models in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}
			models, err := d.ListModels()
			if err != nil {
				return err
			}
			for _, m := range models {
				line := m.ID
				if m.Quant != "" {
					line += "  quant=" + m.Quant
				}
				if m.Family != "" {
					line += "  family=" + m.Family
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newSelectCmd(opts *rootOptions) *cobra.Command {
	var backend, device string
	cmd := &cobra.Command{
		Use:   "select <model-path>",
		Short: "Print the backend decision for a model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			sel := selector.New(nil, cfg.Selector, log)
			dec := sel.Select(args[0], &selector.Preferences{
				Backend: types.BackendKind(backend),
				Device:  device,
			})
			return printJSON(cmd, dec)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Preferred backend: llamacpp|vllm|transformers")
	cmd.Flags().StringVar(&device, "device", "", "Preferred device: cuda|cpu|auto")
	return cmd
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var pid int
	var aggressive bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run a resource reclamation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}
			outcome := d.Cleanup(reclaim.Options{PID: pid, Aggressive: aggressive})
			return printJSON(cmd, outcome)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "Terminate this backend pid first")
	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "Multi-pass GPU cache release and host GC")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print lifecycle status and the supervised process table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg, log)
			if err != nil {
				return err
			}
			// Adopted records survive daemon restarts, so a fresh CLI
			// invocation still sees running backends.
			out := map[string]any{
				"status":    d.Status(),
				"processes": d.Records(),
			}
			return printJSON(cmd, out)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
