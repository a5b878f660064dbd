package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hls-ladder/internal/platform/auth"
	"hls-ladder/internal/platform/config"
	"hls-ladder/internal/platform/logger"
	"hls-ladder/internal/platform/metrics"
	"hls-ladder/internal/transcode"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr, sourceDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP origin: transcode trigger, job status and HLS delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a, addr, sourceDir)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.GetEnv("HTTP_ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&sourceDir, "source-dir", config.GetEnv("SOURCE_DIR", "./videos"), "directory holding source videos")
	return cmd
}

func runServe(ctx context.Context, a *app, addr, sourceDir string) error {
	log := a.log
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	orch, cleanup, err := buildOrchestrator(ctx, log, met)
	if err != nil {
		return err
	}
	defer cleanup()

	h := transcode.NewHandler(orch, transcode.DirResolver{Dir: sourceDir}, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveJobs(orch.Repo().ActiveJobCount()) }).ServeHTTP(w, r)
	})
	var triggerMW []func(http.Handler) http.Handler
	if secret := config.GetEnv("AUTH_JWT_SECRET", ""); secret != "" {
		triggerMW = append(triggerMW, auth.RequireJWT(secret, log))
	}
	h.Routes(r, triggerMW...)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		orch.Close()
		return err
	})

	cfg := orch.Config()
	log.Info("server starting",
		slog.String("addr", addr),
		slog.String("source_dir", sourceDir),
		slog.String("output_root", cfg.OutputRoot),
		slog.Int("tiers", len(cfg.Ladder)),
		slog.Int("max_concurrent_encodes", cfg.MaxConcurrent),
		slog.Bool("auth", len(triggerMW) > 0),
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		return err
	}
	log.Info("server stopped")
	return nil
}
