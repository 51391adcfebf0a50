package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/distribution"
	"github.com/aixgo-dev/conductor/internal/pipeline"
	"github.com/aixgo-dev/conductor/pkg/config"
)

var (
	runMode        string
	runBalance     string
	runAggregation string
	runPipeline    string
	runErrorMode   string
	runTransform   string
	runDryRun      bool
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.yaml>",
	Short: "Execute a task set",
	Long: `Execute the tasks in a YAML file ("-" reads stdin).

In distribute mode the tasks are partitioned over the worker pool and run in
parallel, one sequence per worker, then aggregated. In pipeline mode they run
as the stages of a named, matching or ad hoc pipeline.

Example tasks file:
  pipeline: review        # optional
  input: {ticket: T-42}   # initial pipeline data
  tasks:
    - id: t1
      type: analyze
      agent_type: analyst
      input: {path: src/}`,
	Args: cobra.ExactArgs(1),
	RunE: runTasks,
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "distribute", "Execution mode: distribute or pipeline")
	runCmd.Flags().StringVar(&runBalance, "balance", "", "Balancing: round-robin, least-loaded, random")
	runCmd.Flags().StringVar(&runAggregation, "aggregation", "", "Aggregation: collect-all, first-success, majority-vote")
	runCmd.Flags().StringVarP(&runPipeline, "pipeline", "p", "", "Pipeline name (overrides the tasks file)")
	runCmd.Flags().StringVar(&runErrorMode, "error-mode", "", "Pipeline error mode: stop, continue, skip-stage")
	runCmd.Flags().StringVar(&runTransform, "transform", "", "Pipeline transform: merge, replace, append")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show the plan without dispatching")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "Output format: text or json")
}

func runTasks(cmd *cobra.Command, args []string) error {
	mode, err := conductor.ParseMode(runMode)
	if err != nil {
		return err
	}
	if runOutput != "text" && runOutput != "json" {
		return fmt.Errorf("unknown output format: %q", runOutput)
	}

	tf, err := readTaskFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	switch mode {
	case conductor.ModePipeline:
		return runPipelineMode(ctx, cmd, c, tf)
	default:
		return runDistributeMode(ctx, cmd, c, cfg, tf)
	}
}

func distributionOptions(cfg *config.Config) (distribution.Options, error) {
	opts := cfg.Distribution
	if runBalance != "" {
		b, err := distribution.ParseBalanceStrategy(runBalance)
		if err != nil {
			return opts, err
		}
		opts.Balance = b
	}
	if runAggregation != "" {
		a, err := aggregation.ParseStrategy(runAggregation)
		if err != nil {
			return opts, err
		}
		opts.Aggregation = a
	}
	return opts, nil
}

func runDistributeMode(ctx context.Context, cmd *cobra.Command, c *conductor.Coordinator, cfg *config.Config, tf *taskFile) error {
	opts, err := distributionOptions(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if runDryRun {
		dist, pool, err := c.Distribution().Plan(tf.Tasks, opts)
		if err != nil {
			return err
		}
		if runOutput == "json" {
			return writeJSON(out, dist.Sizes())
		}
		printPlan(out, dist, pool)
		return nil
	}

	res, err := c.Distribute(ctx, tf.Tasks, &opts)
	if err != nil {
		return err
	}
	if runOutput == "json" {
		return writeJSON(out, res)
	}
	printAggregate(out, res)
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", res.Failed, res.TotalTasks)
	}
	return nil
}

func pipelineOptions(tf *taskFile) (pipeline.Options, error) {
	opts := pipeline.Options{Pipeline: tf.Pipeline, Input: tf.Input}
	if runPipeline != "" {
		opts.Pipeline = runPipeline
	}
	if runErrorMode != "" {
		m, err := pipeline.ParseErrorMode(runErrorMode)
		if err != nil {
			return opts, err
		}
		opts.ErrorMode = &m
	}
	if runTransform != "" {
		m, err := pipeline.ParseTransformMode(runTransform)
		if err != nil {
			return opts, err
		}
		opts.Transform = &m
	}
	return opts, nil
}

func runPipelineMode(ctx context.Context, cmd *cobra.Command, c *conductor.Coordinator, tf *taskFile) error {
	opts, err := pipelineOptions(tf)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if runDryRun {
		def, adHoc, err := c.Pipelines().Resolve(tf.Tasks, opts.Pipeline)
		if err != nil {
			return err
		}
		if runOutput == "json" {
			return writeJSON(out, map[string]any{"pipeline": def.Name, "ad_hoc": adHoc, "stages": stageNames(def.Stages)})
		}
		fmt.Fprintf(out, "%s %s\n", bold("Pipeline:"), def.Name)
		for i, name := range stageNames(def.Stages) {
			fmt.Fprintf(out, "  %d. %s\n", i+1, name)
		}
		return nil
	}

	exec, err := c.RunPipeline(ctx, tf.Tasks, opts)
	if exec == nil {
		return err
	}
	if runOutput == "json" {
		if jerr := writeJSON(out, exec); jerr != nil {
			return jerr
		}
	} else {
		printExecution(out, exec)
	}
	return err
}

func stageNames(stages []*pipeline.Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
