package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"marine-detect/cmd"
	"marine-detect/internal/config"
	"marine-detect/internal/core"
	"marine-detect/internal/database"
	"marine-detect/internal/framework"
	"marine-detect/internal/metrics"
	"marine-detect/internal/pipeline"
	"marine-detect/internal/runner"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type options struct {
	envFile string
	flags   pipeline.Flags
	seed    int64

	cfg *config.Config
}

func rootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "marine-pipeline",
		Short: "Marine object detection experiment pipeline",
		Long: "Without flags the interactive menu is shown. Any of the skip flags runs the\n" +
			"pipeline once in flag mode and exits.",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return fmt.Errorf("error loading env file '%s': %w", opts.envFile, err)
				}
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			p := opts.newPipeline()
			if opts.flags.Any() {
				return p.RunWithFlags(c.Context(), opts.flags)
			}
			return p.Menu(c.Context(), c.InOrStdin(), c.OutOrStdout())
		},
	}

	root.PersistentFlags().StringVar(&opts.envFile, "env", "", "path to load env from")
	root.Flags().BoolVar(&opts.flags.SkipPreprocessing, "skip-preprocessing", false, "skip download, sync, reduction and merge")
	root.Flags().BoolVar(&opts.flags.SkipTraining, "skip-training", false, "skip YOLO and RT-DETR training")
	root.Flags().BoolVar(&opts.flags.SkipEvaluation, "skip-evaluation", false, "skip the evaluation on the test split")
	root.Flags().BoolVar(&opts.flags.NoReduce, "no-reduce", false, "skip dataset reduction")

	root.AddCommand(runAllCommand(opts), stepCommand(opts))
	return root
}

func runAllCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every step once, stopping at the first failure",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.newPipeline().RunFull(c.Context())
		},
	}
}

func stepCommand(opts *options) *cobra.Command {
	c := &cobra.Command{
		Use:       "step <id>",
		Short:     "Run a single step in this process",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stepIds(),
		RunE: func(c *cobra.Command, args []string) error {
			return opts.runStep(c.Context(), runner.StepID(args[0]))
		},
	}
	c.Flags().Int64Var(&opts.seed, "seed", 0, "seed for dataset reduction, 0 picks one from the clock")
	return c
}

func stepIds() []string {
	ids := make([]string, 0, len(runner.Steps))
	for _, s := range runner.Steps {
		ids = append(ids, string(s.ID))
	}
	return ids
}

// newPipeline runs every step as a child "step" process of this binary.
func (o *options) newPipeline() *pipeline.Pipeline {
	self, err := os.Executable()
	if err != nil {
		self = cmd.PipelineBin(o.cfg)
	}

	logger := slog.Default()
	r := runner.NewRunner(runner.Subprocess(self), logger, nil)
	r.OnLine = func(l runner.Line) {
		if l.Stderr {
			fmt.Fprintln(os.Stderr, l.Text)
		} else {
			fmt.Fprintln(os.Stdout, l.Text)
		}
	}

	p := pipeline.New(r, o.cfg.Paths(), logger)
	p.LaunchDashboard = func(ctx context.Context) error {
		dashboard := exec.Command(o.cfg.DashboardBin)
		dashboard.Dir = o.cfg.Root
		if err := dashboard.Start(); err != nil {
			return fmt.Errorf("error starting %s: %w", o.cfg.DashboardBin, err)
		}
		slog.Info("dashboard started", "pid", dashboard.Process.Pid, "port", o.cfg.Port)
		return dashboard.Process.Release()
	}
	return p
}

func needsStorage(id runner.StepID, cfg *config.Config) bool {
	return id == runner.StepDownload || (id == runner.StepEvaluate && cfg.ArtifactBucket != "")
}

func (o *options) runStep(ctx context.Context, id runner.StepID) error {
	cfg := o.cfg
	paths := cfg.Paths()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return err
	}

	stages := &pipeline.Stages{
		Config:  cfg,
		Paths:   paths,
		Metrics: m,
		Seed:    o.seed,
		NewFramework: func(logger *slog.Logger) framework.Framework {
			return framework.NewUltralytics(cfg.PythonExecutable, cfg.Root, logger)
		},
	}

	if needsStorage(id, cfg) {
		store, err := cmd.CreateStorage(cfg)
		if err != nil {
			return fmt.Errorf("error creating object storage: %w", err)
		}
		stages.Store = store
	}

	if cfg.DatabaseURL != "" || os.Getenv(core.RunIdEnv) != "" {
		results, err := resultStore(cfg)
		if err != nil {
			return err
		}
		stages.TrainingSink = results
		stages.EvaluationSink = results
	}

	runErr := stages.Run(ctx, id)

	if cfg.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsTextfile, registry); err != nil {
			slog.Error("error writing metrics textfile", "path", cfg.MetricsTextfile, "error", err)
		}
	}

	return runErr
}

// resultStore tags the stored results with the run the worker passed down,
// when there is one.
func resultStore(cfg *config.Config) (*database.ResultStore, error) {
	db, err := database.Open(cmd.DatabaseURL(cfg))
	if err != nil {
		return nil, err
	}

	var runId uuid.NullUUID
	if raw := os.Getenv(core.RunIdEnv); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s '%s': %w", core.RunIdEnv, raw, err)
		}
		runId = uuid.NullUUID{UUID: id, Valid: true}
	}

	return database.NewResultStore(db, runId), nil
}
