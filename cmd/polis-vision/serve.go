package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine"
	"github.com/polisai/polis-vision/pkg/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	var definitions []string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the pipeline registry and serve the admin endpoints",
		Long: `Loads the definitions into the pipeline registry and keeps them current while
files change. The admin listener serves /healthz, /metrics and /pipelines.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("watch") {
				a.cfg.Definitions.Watch = watch
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, definitions)
		},
	}

	cmd.Flags().StringSliceVarP(&definitions, "definitions", "d", nil, "Definition files or directories (defaults to definitions.paths)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload definitions when files change")
	return cmd
}

func (a *app) serve(ctx context.Context, definitions []string) error {
	logger := a.logger

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Endpoint:    a.cfg.Telemetry.OTLPEndpoint,
		Insecure:    a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	metrics := telemetry.NewStoreMetrics()
	store, err := a.openStore(definitions, a.cfg.Definitions.Watch, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close definition store", "error", err)
		}
	}()

	registry := engine.NewPipelineRegistry(a.validateOptions(), logger)
	go watchDefinitions(ctx, store, registry, logger)

	listener, err := net.Listen("tcp", a.cfg.Admin.Address)
	if err != nil {
		return fmt.Errorf("bind admin listener %s: %w", a.cfg.Admin.Address, err)
	}
	server := &http.Server{
		Handler:      adminHandler(registry, metrics),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Admin server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	return nil
}

// watchDefinitions pushes every snapshot from the service into the registry until ctx
// ends or the subscription closes.
func watchDefinitions(ctx context.Context, service domain.DefinitionService, registry *engine.PipelineRegistry, logger *slog.Logger) {
	updates := service.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := registry.UpdatePipelines(ctx, snapshot.Pipelines); err != nil {
				logger.Error("Failed to update pipelines", "generation", snapshot.Generation, "error", err)
				continue
			}
			logger.Info("Pipelines updated", "generation", snapshot.Generation, "count", len(snapshot.Pipelines))
		}
	}
}

// pipelineSummary is the /pipelines listing entry.
type pipelineSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Nodes       int    `json:"nodes"`
	Edges       int    `json:"edges"`
}

type pipelineListing struct {
	Generation int64             `json:"generation"`
	Pipelines  []pipelineSummary `json:"pipelines"`
}

func adminHandler(registry *engine.PipelineRegistry, metrics *telemetry.StoreMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /pipelines", func(w http.ResponseWriter, _ *http.Request) {
		defs := registry.ListPipelines()
		listing := pipelineListing{
			Generation: registry.Generation(),
			Pipelines:  make([]pipelineSummary, 0, len(defs)),
		}
		for _, def := range defs {
			listing.Pipelines = append(listing.Pipelines, pipelineSummary{
				ID:          def.ID,
				Name:        def.Name,
				Description: def.Description,
				Nodes:       len(def.Nodes),
				Edges:       len(def.Edges),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(listing)
	})

	return metrics.MetricsMiddleware(otelhttp.NewHandler(mux, "polis.vision.admin"))
}
