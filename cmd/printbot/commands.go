package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/api/middleware"
	"github.com/orrn/printbot/internal/core"
	"github.com/orrn/printbot/internal/dispatch"
)

// newSubmitCmd queues files directly in the store. A running server picks
// them up on its next poll.
func newSubmitCmd() *cobra.Command {
	var (
		instructions string
		settingsJSON string
		sourceRef    string
	)
	cmd := &cobra.Command{
		Use:   "submit <file>...",
		Short: "Queue one or more files for printing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newCLILogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			store, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			intake, err := newIntake(cfg, store, nil, log)
			if err != nil {
				return err
			}

			batch := core.Batch{SourceReference: sourceRef, Instructions: instructions}
			if settingsJSON != "" {
				if err := json.Unmarshal([]byte(settingsJSON), &batch.Settings); err != nil {
					return fmt.Errorf("invalid --settings: %w", err)
				}
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				batch.Files = append(batch.Files, core.BatchFile{Name: filepath.Base(path), Data: data})
			}

			results, err := intake.SubmitBatch(ctx, batch)
			if printErr := printJSON(cmd, results); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "Free-text print instructions, resolved into per-file settings")
	cmd.Flags().StringVar(&settingsJSON, "settings", "", "JSON array of per-file settings")
	cmd.Flags().StringVar(&sourceRef, "source", "cli", "Source reference recorded on each job")
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsGetCmd(), newJobsStatsCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && !core.JobStatus(status).Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.List(ctx, core.JobFilter{Status: core.JobStatus(status), Limit: limit})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, job := range jobs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					job.ID, job.Status, job.CreatedAt.Format("2006-01-02 15:04:05"), job.OriginalName, job.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, printing, done, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %d: %w", id, core.ErrNotFound)
			}
			return printJSON(cmd, job)
		},
	}
}

func newJobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newPrintersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "printers",
		Short: "List printers installed on this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range dispatch.DetectPrinters(cmd.Context(), dispatch.ExecRunner{}, runtime.GOOS) {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to use as server.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
