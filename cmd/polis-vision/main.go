// Package main is the entry point for the polis-vision binary.
// It validates and runs image pipelines from definition files and serves the admin
// endpoints of a long-running definition host.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-vision/pkg/config"
	"github.com/polisai/polis-vision/pkg/engine"
	"github.com/polisai/polis-vision/pkg/engine/expr"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
	"github.com/polisai/polis-vision/pkg/logging"
	"github.com/polisai/polis-vision/pkg/operations"
	"github.com/polisai/polis-vision/pkg/storage"
	"github.com/polisai/polis-vision/pkg/telemetry"
)

const defaultLogLevel = "info"

// app carries what every subcommand needs after the root command has run.
type app struct {
	configPath string
	logLevel   string
	pretty     bool

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-vision
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "polis-vision",
		Short: "Image pipeline execution engine",
		Long: `Runs image-processing pipelines described as graphs of operations.

Definitions are YAML, JSON or HCL files holding operations and pipelines.

Example:
  polis-vision run --definitions ./pipelines --pipeline thumbs --image photo=cat.jpg --out ./out`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "Enable human-readable logging")

	rootCmd.AddCommand(newValidateCmd(a), newRunCmd(a), newServeCmd(a))
	return rootCmd
}

// init loads configuration and sets up logging. Flags given explicitly override the file.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("pretty") {
		cfg.Logging.Pretty = a.pretty
	}
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func (a *app) validateOptions() engine.ValidateOptions {
	return engine.ValidateOptions{Strict: a.cfg.Engine.StrictValidation}
}

// openStore loads the definitions under paths, falling back to the configured paths.
// Built-in operations are always available.
func (a *app) openStore(paths []string, watch bool, metrics *telemetry.StoreMetrics) (*storage.FileDefinitionStore, error) {
	if len(paths) == 0 {
		paths = a.cfg.Definitions.Paths
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no definition paths given; use --definitions or definitions.paths")
	}
	return storage.NewFileDefinitionStore(storage.FileStoreOptions{
		Paths:          paths,
		Watch:          watch,
		Validation:     a.validateOptions(),
		BaseOperations: operations.Definitions(),
		Metrics:        metrics,
		Logger:         a.logger,
	})
}

func (a *app) newExecutor(store *storage.FileDefinitionStore, registry *engine.PipelineRegistry) *engine.Executor {
	sandbox := runtime.NewPluginSandbox()
	operations.Register(sandbox, a.logger)

	return engine.NewExecutor(engine.ExecutorConfig{
		Registry:            registry,
		Operations:          store.Operations(),
		Sandbox:             sandbox,
		Evaluator:           expr.NewEvaluator(expr.Options{Timeout: a.cfg.Engine.ConditionTimeout}),
		Logger:              a.logger,
		StepTimeout:         a.cfg.Engine.StepTimeout,
		Verbose:             a.cfg.Engine.Verbose,
		RespectRequiredFlag: a.cfg.Engine.RespectRequiredFlag,
		RedactParams:        a.cfg.Engine.RedactParams,
	})
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Check definition files without running anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.LoadDefinitions(args)
			if err != nil {
				return err
			}
			ops, pipelines, err := file.ToDomain()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			opts := a.validateOptions()
			var failed int
			for i := range pipelines {
				def := &pipelines[i]
				if err := engine.ValidateWith(def, opts); err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", def.ID, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%d nodes, %d edges)\n", def.ID, len(def.Nodes), len(def.Edges))
			}
			fmt.Fprintf(out, "%d operations, %d pipelines, %d invalid\n", len(ops), len(pipelines), failed)

			if failed > 0 {
				return fmt.Errorf("%d of %d pipelines are invalid", failed, len(pipelines))
			}
			return nil
		},
	}
}
