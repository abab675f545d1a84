// ============================================================================
// fork-scorer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on Cobra framework
//
// Command Structure:
//   fork-scorer                    # Root command
//   ├── serve                      # Run health, metrics and maintenance loops
//   ├── score                      # Score one (resume, job) pair
//   │   └── --resume, --job
//   ├── batch                      # Score every pairing of two ID lists
//   │   └── --resumes, --jobs, --page, --page-size
//   ├── health                     # One-shot fork manager health check
//   ├── cleanup                    # Purge expired forks
//   │   └── --retention
//   ├── status                     # Configuration and exported batches
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env-file                 # .env file (default: .env, ignored when missing)
//   └── --version
//
// serve Command:
//   1. Load config, build the app, restore exported batches
//   2. Start Metrics HTTP server (if enabled)
//   3. Start gRPC health server (if enabled)
//   4. Run fork cleanup and finished-batch eviction loops
//   5. Wait for SIGINT / SIGTERM, export finished batches, shut down
//
// score / batch output JSON on stdout; logs go to stderr.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fork-scorer/internal/batch"
	"github.com/ChuLiYu/fork-scorer/internal/config"
	"github.com/ChuLiYu/fork-scorer/internal/fork"
	"github.com/ChuLiYu/fork-scorer/internal/logger"
	"github.com/ChuLiYu/fork-scorer/internal/metrics"
	"github.com/ChuLiYu/fork-scorer/internal/server"
	"github.com/ChuLiYu/fork-scorer/internal/snapshot"
	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

type globalOptions struct {
	configFile string
	envFile    string
}

func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "fork-scorer",
		Short: "fork-scorer: isolated multi-strategy resume scoring",
		Long: `fork-scorer scores (resume, job) pairs with:
- one isolated data fork per scoring strategy
- dynamic industry/role/seniority weighting
- FIFO batch scheduling with paginated results
- Prometheus metrics and gRPC health checks`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before environment overrides")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildScoreCommand(opts))
	rootCmd.AddCommand(buildBatchCommand(opts))
	rootCmd.AddCommand(buildHealthCommand(opts))
	rootCmd.AddCommand(buildCleanupCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// setup loads config and installs the logger. Logs go to stderr so command
// output on stdout stays machine readable.
func setup(opts *globalOptions, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configFile, opts.envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{Level: level, Format: cfg.Log.Format, Output: stderr})
	return cfg, log, nil
}

func openApp(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*App, error) {
	cfg, log, err := setup(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, log)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scorer service",
		Long:  "Run the gRPC health server, the metrics endpoint and the fork cleanup loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *globalOptions) error {
	app, err := openApp(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.Config
	log := app.Log

	if n, err := app.RestoreBatches(); err != nil {
		log.Warn("Failed to restore exported batches", "error", err)
	} else if n > 0 {
		log.Info("Restored exported batches", "count", n)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, app.Registry)
		go func() {
			log.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	var healthSrv *server.HealthServer
	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
		healthSrv = server.NewHealthServer(app.Forks, cfg.Health.Interval, log.With("component", "health"))
		go healthSrv.Run(ctx)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				log.Error("gRPC health server error", "error", err)
			}
		}()
	}

	go app.Forks.RunCleanupLoop(ctx, cfg.Forks.CleanupInterval, cfg.Forks.Retention)
	go runBatchEviction(ctx, app)

	log.Info("fork-scorer started", "store", cfg.Store.Driver, "max_active_forks", cfg.Forks.MaxActive)
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully")

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown error", "error", err)
		}
	}
	if err := app.ExportBatches(); err != nil {
		log.Error("Failed to export batches", "error", err)
	}

	log.Info("fork-scorer stopped")
	return nil
}

// runBatchEviction drops finished batches older than Batch.ClearAfter.
func runBatchEviction(ctx context.Context, app *App) {
	after := app.Config.Batch.ClearAfter
	if after <= 0 {
		return
	}
	interval := app.Config.Forks.CleanupInterval
	if interval <= 0 {
		interval = fork.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.ExportBatches(); err != nil {
				app.Log.Warn("Failed to export batches", "error", err)
			}
			if n := app.Batch.ClearCompletedBatches(after); n > 0 {
				app.Log.Info("Cleared finished batches", "count", n)
			}
		}
	}
}

// ============================================================================
// score
// ============================================================================

func buildScoreCommand(opts *globalOptions) *cobra.Command {
	var (
		resumeID    string
		jobID       string
		title       string
		description string
		meta        map[string]string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one resume against one job",
		Long:  "Run every scoring strategy on its own fork and print the composite result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Coordinator.Score(cmd.Context(), types.ScoringRequest{
				SubjectAID:     resumeID,
				SubjectBID:     jobID,
				JobTitle:       title,
				JobDescription: description,
				Metadata:       meta,
			})
			if err != nil {
				return fmt.Errorf("failed to score %s against %s: %w", resumeID, jobID, err)
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&resumeID, "resume", "", "resume ID")
	cmd.Flags().StringVar(&jobID, "job", "", "job ID")
	cmd.Flags().StringVar(&title, "title", "", "job title hint for dynamic weighting")
	cmd.Flags().StringVar(&description, "description", "", "job description hint for dynamic weighting")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "weighting metadata, e.g. --meta industry=finance")
	cmd.MarkFlagRequired("resume")
	cmd.MarkFlagRequired("job")

	return cmd
}

// ============================================================================
// batch
// ============================================================================

type batchOutput struct {
	Status  batch.StatusReport `json:"status"`
	Results batch.ResultsPage  `json:"results"`
}

func buildBatchCommand(opts *globalOptions) *cobra.Command {
	var (
		id       string
		resumes  []string
		jobs     []string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Score every pairing of resumes and jobs",
		Long:  "Queue one batch job, wait for it to finish and print its status and a page of results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.RestoreBatches(); err != nil {
				app.Log.Warn("Failed to restore exported batches", "error", err)
			}

			batchID := types.BatchID(id)
			if batchID == "" {
				batchID = types.BatchID("batch-" + uuid.NewString())
			}
			if _, err := app.Batch.AddBatchJob(ctx, batchID, resumes, jobs); err != nil {
				return err
			}
			if err := app.Batch.Wait(ctx); err != nil {
				return err
			}

			status, err := app.Batch.GetBatchStatus(batchID)
			if err != nil {
				return err
			}
			results, err := app.Batch.GetBatchResults(batchID, page, pageSize)
			if err != nil {
				return err
			}
			if err := app.ExportBatches(); err != nil {
				app.Log.Warn("Failed to export batches", "error", err)
			}
			return writeJSON(cmd.OutOrStdout(), batchOutput{Status: status, Results: results})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "batch ID (default: generated)")
	cmd.Flags().StringSliceVar(&resumes, "resumes", nil, "comma separated resume IDs")
	cmd.Flags().StringSliceVar(&jobs, "jobs", nil, "comma separated job IDs")
	cmd.Flags().IntVar(&page, "page", 1, "results page, 1-based")
	cmd.Flags().IntVar(&pageSize, "page-size", batch.DefaultPageSize, "results per page")
	cmd.MarkFlagRequired("resumes")
	cmd.MarkFlagRequired("jobs")

	return cmd
}

// ============================================================================
// health / cleanup
// ============================================================================

func buildHealthCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check fork manager health",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			report := app.Forks.HealthCheck(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == fork.Unhealthy {
				return fmt.Errorf("fork manager is unhealthy: %s", report.Error)
			}
			return nil
		},
	}
}

func buildCleanupCommand(opts *globalOptions) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired forks",
		Long:  "Remove terminal forks older than the retention period and drop their isolated copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), cmd, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if retention <= 0 {
				retention = app.Config.Forks.Retention
			}
			report, err := app.Forks.CleanupExpired(cmd.Context(), retention)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "retention period (default: forks.retention)")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and the exported batch statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile, opts.envFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), opts.configFile, cfg)
		},
	}
}

func showStatus(w io.Writer, configFile string, cfg *config.Config) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           fork-scorer System Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  └─ Config File:       %s\n", configFile)
	fmt.Fprintf(w, "  └─ Store Driver:      %s\n", cfg.Store.Driver)
	fmt.Fprintf(w, "  └─ Max Active Forks:  %d\n", cfg.Forks.MaxActive)
	fmt.Fprintf(w, "  └─ Agent Timeout:     %s\n", cfg.Coordinator.AgentTimeout)
	fmt.Fprintf(w, "  └─ Weights:           %s\n", weightMode(cfg))
	fmt.Fprintf(w, "  └─ Batch Chunk Size:  %d\n", cfg.Batch.ChunkSize)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Exported Batches:")
	if cfg.Batch.ExportPath == "" {
		fmt.Fprintln(w, "  └─ Export disabled")
	} else {
		data, err := snapshot.NewManager(cfg.Batch.ExportPath).Load()
		if err != nil {
			fmt.Fprintf(w, "  └─ ⚠️  %v\n", err)
		} else {
			counts := map[types.BatchStatus]int{}
			pairs := 0
			for _, b := range data.Batches {
				counts[b.Status]++
				pairs += len(b.Pairs)
			}
			fmt.Fprintf(w, "  ├─ File:         %s\n", cfg.Batch.ExportPath)
			fmt.Fprintf(w, "  ├─ ✅ Completed: %d\n", counts[types.BatchCompleted])
			fmt.Fprintf(w, "  ├─ ❌ Failed:    %d\n", counts[types.BatchFailed])
			fmt.Fprintf(w, "  └─ Pairs:        %d\n", pairs)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w, "💓 Health:")
	if cfg.Health.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ gRPC health on :%d\n", cfg.Health.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Repeat("═", 59))
	return nil
}

func weightMode(cfg *config.Config) string {
	if cfg.Coordinator.UseStaticWeights {
		return "static"
	}
	return "dynamic"
}
