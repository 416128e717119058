// Command printbot runs the print queue server and offers local queue
// inspection commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/config"
	"github.com/orrn/printbot/internal/core"
	"github.com/orrn/printbot/internal/db"
	"github.com/orrn/printbot/internal/logger"
	"github.com/orrn/printbot/internal/render"
	"github.com/orrn/printbot/internal/resolver"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "printbot: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "printbot",
		Short:        "Durable print queue with a single background dispatcher",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "printbot.yaml", "Path to the YAML config file")
	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newJobsCmd(),
		newPrintersCmd(),
		newHashKeyCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// newCLILogger keeps stdout free for command output.
func newCLILogger(cfg *config.Config) (*zap.Logger, error) {
	out := cfg.Logging.Output
	if out == "" || out == "stdout" {
		out = "stderr"
	}
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (db.Store, error) {
	return db.Open(ctx, db.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		URL:    cfg.Database.URL,
		Logger: log.Named("db"),
	})
}

// newIntake builds the intake path shared by the HTTP API and the submit
// command: instruction resolver, image pre-step and file store.
func newIntake(cfg *config.Config, store core.JobStore, events core.EventSink, log *zap.Logger) (*core.Intake, error) {
	gemini := resolver.NewGeminiResolver(resolver.Config{
		APIKey:  cfg.Resolver.APIKey,
		Model:   cfg.Resolver.Model,
		BaseURL: cfg.Resolver.BaseURL,
		Timeout: cfg.Resolver.Timeout,
	}, log.Named("resolver"))
	if !gemini.Enabled() {
		log.Info("instruction resolver disabled, batches without settings use defaults")
	}

	return core.NewIntake(store, core.IntakeConfig{
		FilesDir: cfg.Storage.FilesDir,
		Resolver: gemini,
		Renderer: render.New(render.Config{MaxPixels: cfg.Dispatch.MaxImagePixels}, log.Named("render")),
		Events:   events,
		Logger:   log.Named("intake"),
	})
}
