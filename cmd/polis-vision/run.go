package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine"
	"github.com/polisai/polis-vision/pkg/engine/runtime"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	definitions []string
	pipeline    string
	inputs      []string
	images      []string
	outDir      string
	verbose     bool
	dryRun      bool
	optional    bool
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline and write its outputs",
		Long: `Runs a pipeline once. Image outputs are written as PNG files to --out, every other
output is printed as name = value.

Input values are parsed as YAML scalars or flow collections, so 3, true, [1, 2] and
{a: 1} keep their types; anything else is text.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.definitions, "definitions", "d", nil, "Definition files or directories (defaults to definitions.paths)")
	flags.StringVarP(&opts.pipeline, "pipeline", "p", "", "Pipeline id")
	flags.StringArrayVarP(&opts.inputs, "input", "i", nil, "Pipeline input as name=value (repeatable)")
	flags.StringArrayVar(&opts.images, "image", nil, "Image input as name=path (repeatable)")
	flags.StringVarP(&opts.outDir, "out", "o", ".", "Directory for image outputs")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Print the execution log")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Walk the pipeline without running any operation")
	flags.BoolVar(&opts.optional, "respect-required", false, "Let optional inputs be omitted and take their defaults")
	_ = cmd.MarkFlagRequired("pipeline")

	return cmd
}

func (a *app) run(ctx context.Context, opts *runOptions, out io.Writer) error {
	store, err := a.openStore(opts.definitions, false, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	def, err := store.Pipelines().Get(ctx, opts.pipeline)
	if err != nil {
		return err
	}

	inputs, err := buildInputs(opts.inputs, opts.images)
	if err != nil {
		return err
	}

	var result *engine.RunResult
	if opts.dryRun {
		sim := engine.NewSimulator(store.Operations(), a.logger)
		result, err = sim.Simulate(ctx, def, inputs)
	} else {
		registry := engine.NewPipelineRegistry(a.validateOptions(), a.logger)
		if err := registry.UpdatePipelines(ctx, store.CurrentSnapshot().Pipelines); err != nil {
			return err
		}
		executor := a.newExecutor(store, registry)
		result, err = executor.Execute(ctx, def.ID, inputs, engine.ApplyOptions{
			Verbose:             opts.verbose,
			RespectRequiredFlag: opts.optional,
		})
	}

	if result != nil && (opts.verbose || opts.dryRun) {
		printLog(out, result)
	}
	if err != nil {
		return err
	}
	if opts.dryRun {
		return nil
	}

	a.logger.Info("pipeline finished",
		"pipeline_id", result.PipelineID,
		"run_id", result.RunID,
		"duration", result.Duration)
	return writeOutputs(opts.outDir, result.Outputs, out)
}

// parseAssignments splits name=value pairs.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected name=value", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("input %q given more than once", name)
		}
		out[name] = value
	}
	return out, nil
}

// buildInputs turns --input and --image flags into pipeline inputs. Image files are
// passed as encoded bytes; the step runtime decodes them.
func buildInputs(values, images []string) (map[string]domain.Value, error) {
	assigned, err := parseAssignments(values)
	if err != nil {
		return nil, err
	}
	paths, err := parseAssignments(images)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]domain.Value, len(assigned)+len(paths))
	for name, raw := range assigned {
		inputs[name] = parseValue(raw)
	}
	for name, path := range paths {
		if _, dup := inputs[name]; dup {
			return nil, fmt.Errorf("input %q given as both value and image", name)
		}
		// #nosec G304 -- Image paths come from the operator's command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", name, err)
		}
		inputs[name] = domain.Bytes(data)
	}
	return inputs, nil
}

// parseValue reads raw as a YAML value. Text that does not parse, or parses to null,
// stays text.
func parseValue(raw string) domain.Value {
	var native any
	if err := yaml.Unmarshal([]byte(raw), &native); err != nil || native == nil {
		return domain.Text(raw)
	}
	v, err := domain.FromNative(native)
	if err != nil {
		return domain.Text(raw)
	}
	return v
}

func writeOutputs(dir string, outputs map[string]domain.Value, out io.Writer) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := outputs[name]
		img, ok := value.AsImage()
		if !ok {
			fmt.Fprintf(out, "%s = %s\n", name, value.String())
			continue
		}

		data, err := runtime.EncodePNG(img)
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		path := filepath.Join(dir, name+".png")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		fmt.Fprintf(out, "%s -> %s\n", name, path)
	}
	return nil
}

func printLog(out io.Writer, result *engine.RunResult) {
	for _, entry := range result.Log {
		if entry.NodeID != "" {
			fmt.Fprintf(out, "[%s] %s: %s\n", entry.Level, entry.NodeID, entry.Message)
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", entry.Level, entry.Message)
	}
	for _, step := range result.Trace {
		fmt.Fprintf(out, "trace %s (%s) %s\n", step.NodeID, step.Type, step.Outcome)
	}
}
