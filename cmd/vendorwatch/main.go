package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"vendorwatch/internal/config"
	"vendorwatch/internal/daemon"
	"vendorwatch/internal/logger"
	"vendorwatch/internal/models"
	"vendorwatch/internal/notify"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "vendorwatch",
	Short:         "vendor analytics pipeline and alerting",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "ingest, validate and transform the data folder",
	Long: `Runs the pipeline once. With --schedule, --cron or --watch the process
keeps running after the first run and reacts to the configured triggers.`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "run the pipeline whenever new batches land in the data folder",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "run one alert cycle against the current tables",
	Args:  cobra.NoArgs,
	RunE:  runAlerts,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	f := pipelineCmd.Flags()
	f.Bool("archive", false, "move processed batches to the archive folder")
	f.Float64("schedule", 0, "run every N hours")
	f.String("cron", "", "run on a cron expression (takes precedence over --schedule)")
	f.Bool("validate-only", false, "only report validation issues for the current tables")
	addWatchFlags(f)
	f.Bool("watch", false, "also watch the data folder for new batches")

	addWatchFlags(watchCmd.Flags())

	f = alertsCmd.Flags()
	f.Bool("email", false, "send the digest by email")
	f.Bool("test", false, "send a synthetic test digest through every transport")

	rootCmd.AddCommand(pipelineCmd, watchCmd, alertsCmd)
}

func addWatchFlags(f *pflag.FlagSet) {
	f.String("folder", "", "data folder to ingest from")
	f.Int("cooldown", 0, "seconds between watcher-triggered runs")
	f.Bool("email", false, "send alert digests by email")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file, environment and explicitly set flags
func loadConfig(f *pflag.FlagSet) (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := applyFlags(cfg, f); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFlags copies flags the user set onto cfg. Unset flags leave the file
// values alone.
func applyFlags(cfg *config.Config, f *pflag.FlagSet) error {
	var err error
	f.Visit(func(fl *pflag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "archive":
			cfg.Pipeline.Archive, err = f.GetBool(fl.Name)
		case "schedule":
			var hours float64
			if hours, err = f.GetFloat64(fl.Name); err == nil {
				if hours <= 0 {
					err = fmt.Errorf("--schedule must be positive, got %v", hours)
					return
				}
				cfg.Schedule.Interval = time.Duration(hours * float64(time.Hour))
			}
		case "cron":
			cfg.Schedule.Cron, err = f.GetString(fl.Name)
		case "watch":
			cfg.Watch.Enabled, err = f.GetBool(fl.Name)
		case "folder":
			cfg.DataDir, err = f.GetString(fl.Name)
		case "cooldown":
			var secs int
			if secs, err = f.GetInt(fl.Name); err == nil {
				cfg.Watch.Cooldown = time.Duration(secs) * time.Second
			}
		case "email":
			cfg.Notify.Email, err = f.GetBool(fl.Name)
		}
	})
	return err
}

func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Output: os.Stderr})
	return cfg, log, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	if validateOnly, _ := cmd.Flags().GetBool("validate-only"); validateOnly {
		issues := d.Orchestrator().Validate(ctx)
		if len(issues) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No validation issues found")
			return nil
		}
		for _, issue := range issues {
			fmt.Fprintln(cmd.OutOrStdout(), "-", issue)
		}
		return nil
	}

	run, runErr := d.RunOnce(ctx, models.NewTriggerSignal(models.TriggerManual))
	if run != nil {
		printRun(cmd, run)
	}

	if !cfg.Schedule.Enabled() && !cfg.Watch.Enabled {
		if runErr != nil {
			return fmt.Errorf("pipeline run failed: %w", runErr)
		}
		return nil
	}

	// A failed first run does not stop the daemon, the next trigger retries
	if runErr != nil {
		log.Error().Err(runErr).Msg("initial pipeline run failed")
	}
	return serve(ctx, d)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	cfg.Watch.Enabled = true
	cfg.Pipeline.Archive = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	return serve(ctx, d)
}

// serve blocks until a signal arrives. A signal is a graceful stop.
func serve(ctx context.Context, d *daemon.Daemon) error {
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	// The one-shot cycle always prints; notify.log would duplicate it
	cfg.Notify.Log = false

	ctx := cmd.Context()
	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	if test, _ := cmd.Flags().GetBool("test"); test {
		if err := d.Dispatcher().SendTest(ctx); err != nil {
			return fmt.Errorf("test notification: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
		return nil
	}

	res, err := d.Alerts().RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("alert cycle: %w", err)
	}
	if err := notify.WriteSummary(cmd.OutOrStdout(), res.Digest); err != nil {
		return err
	}
	if res.DispatchErr != nil {
		return fmt.Errorf("dispatch: %w", res.DispatchErr)
	}
	return nil
}

func printRun(cmd *cobra.Command, run *models.PipelineRun) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %s (stage %s, %d batches, %s)\n",
		run.ID, run.Status, run.Stage, len(run.Batches), run.Duration().Round(time.Millisecond))
	for _, w := range run.Warnings {
		fmt.Fprintln(out, "  warning:", w)
	}
	for stage, msg := range run.StageErrors {
		fmt.Fprintf(out, "  %s failed: %s\n", stage, msg)
	}
}
