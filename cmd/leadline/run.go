package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"leadline/internal/app"
	"leadline/internal/scheduler"
	"leadline/internal/server"
	"leadline/internal/worker"
)

const shutdownGrace = 30 * time.Second

type serveOptions struct {
	addr     string
	basePath string
}

type workerOptions struct {
	concurrency int
	queues      []string
}

type schedulerOptions struct {
	tick time.Duration
}

func (o *schedulerOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.tick, "tick", 0, "how often due entries are checked (default 1s)")
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address (default server.addr from config)")
	cmd.Flags().StringVar(&o.basePath, "base-path", "", "API base path (default server.base_path from config)")
}

func (o *workerOptions) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 4, "concurrent jobs")
	cmd.Flags().StringSliceVar(&o.queues, "queue", nil, "queues to consume (default all)")
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLongRunning(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return runServer(ctx, s, opts)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func workerCmd() *cobra.Command {
	var opts workerOptions
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLongRunning(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return runWorker(ctx, s, opts)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func schedulerCmd() *cobra.Command {
	var opts schedulerOptions
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Dispatch periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLongRunning(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				return runScheduler(ctx, s, opts)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	var sopts serveOptions
	var wopts workerOptions
	var schopts schedulerOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the API server, worker and scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLongRunning(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runServer(ctx, s, sopts) })
				g.Go(func() error { return runWorker(ctx, s, wopts) })
				g.Go(func() error { return runScheduler(ctx, s, schopts) })
				return g.Wait()
			})
		},
	}
	sopts.bind(cmd)
	wopts.bind(cmd)
	schopts.bind(cmd)
	return cmd
}

func withLongRunning(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	s, err := openServices(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.Close(cctx); err != nil {
			s.Logger.Error("close services", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, s)
}

func runServer(ctx context.Context, s *app.Services, opts serveOptions) error {
	cfg := s.Config.Server
	addr := firstNonEmpty(opts.addr, cfg.Addr, "127.0.0.1:8080")
	basePath := firstNonEmpty(opts.basePath, cfg.BasePath, "/v1")
	authCfg := server.AuthConfig{JWTSecret: cfg.JWTSecret, AllowHeaderAuth: cfg.AllowHeaderAuth, Logger: s.Logger}
	if authCfg.JWTSecret == "" {
		s.Logger.Warn("no JWT secret configured, only API keys are accepted")
	}
	if s.Config.Webhooks.Secret == "" {
		s.Logger.Warn("no webhook secret configured, provider webhooks are not authenticated")
	}
	handler, err := server.New(server.Config{
		Services:       s,
		BasePath:       basePath,
		Auth:           authCfg,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         s.Logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runWorker(ctx context.Context, s *app.Services, opts workerOptions) error {
	var extra []worker.PoolOption
	if len(opts.queues) > 0 {
		extra = append(extra, worker.WithPoolQueues(opts.queues))
	}
	pool := s.NewPool(opts.concurrency, extra...)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return pool.Stop(sctx)
}

func runScheduler(ctx context.Context, s *app.Services, opts schedulerOptions) error {
	var extra []scheduler.Option
	if opts.tick > 0 {
		extra = append(extra, scheduler.WithTickInterval(opts.tick))
	}
	sch, err := s.NewScheduler(extra...)
	if err != nil {
		return err
	}
	for _, e := range sch.Entries() {
		s.Logger.Info("scheduled job", slog.String("name", e.Name), slog.String("schedule", e.Schedule), slog.String("job", e.JobName))
	}
	if err := sch.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sch.Stop(context.Background())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
