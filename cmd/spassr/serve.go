// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/thediveo/spassr"
	"github.com/thediveo/spassr/config"
	"github.com/thediveo/spassr/internal/demoapp"
)

const readHeaderTimeout = 5 * time.Second

// registerServeFlags adds the serving flags to cmd; flags that are set on
// the command line override the configuration file.
func registerServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.String("addr", config.DefaultAddr, "TCP address to listen on")
	flags.String("marker", config.DefaultMarker, "injection marker inside the shell")
	flags.Int("workers", config.DefaultWorkers, "number of dedicated render workers")
	flags.Int("queue", config.DefaultQueueSize, "capacity of the render task queue")
	flags.Int("chunk-buffer", config.DefaultChunkBuffer, "rendered chunks allowed to wait for a client")
	flags.Bool("lock-os-thread", false, "lock each render worker to its own OS thread")
	flags.Bool("base-rewrite", false, "rewrite the shell's base element from forwarding proxy headers")
	flags.String("metrics-addr", "", "TCP address to serve Prometheus metrics on (disabled if empty)")
	flags.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", config.DefaultLogFormat, "log format: text, json")
	flags.Bool("trace", false, "export OpenTelemetry traces to stdout")
}

// loadConfig returns the configuration from the optional configuration file,
// overridden by the explicitly set flags and the ROOT argument.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("marker") {
		cfg.Marker, _ = flags.GetString("marker")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("queue") {
		cfg.QueueSize, _ = flags.GetInt("queue")
	}
	if flags.Changed("chunk-buffer") {
		cfg.ChunkBuffer, _ = flags.GetInt("chunk-buffer")
	}
	if flags.Changed("lock-os-thread") {
		cfg.LockOSThread, _ = flags.GetBool("lock-os-thread")
	}
	if flags.Changed("base-rewrite") {
		cfg.BaseRewrite, _ = flags.GetBool("base-rewrite")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("trace") {
		cfg.Trace, _ = flags.GetBool("trace")
	}
	if len(args) > 0 {
		cfg.Root = args[0]
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: missing static assets ROOT directory", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log, nil)
}

// serve serves the SPA according to cfg until ctx gets cancelled, then shuts
// down gracefully. It calls the optional onListen with the bound addresses of
// the SPA and metrics listeners (the latter being nil when disabled) before
// starting to serve. Problems with the shell are reported before binding any
// listener.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, onListen func(spa, metrics net.Addr)) error {
	dist := os.DirFS(cfg.Root)
	shell, err := spassr.LoadShell(dist, cfg.Index, cfg.Marker)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := spassr.NewMetrics(reg)

	shutdownTracing, err := setupTracing(cfg.Trace)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("cannot flush traces", slog.String("error", err.Error()))
		}
	}()

	// Bind before starting any render workers.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", cfg.Addr, err)
	}
	var mln net.Listener
	if cfg.MetricsAddr != "" {
		if mln, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			_ = ln.Close()
			return fmt.Errorf("cannot listen on %s: %w", cfg.MetricsAddr, err)
		}
	}

	pool := spassr.NewPool(
		spassr.WithWorkers(cfg.Workers),
		spassr.WithQueueSize(cfg.QueueSize),
		spassr.WithOSThreadLock(cfg.LockOSThread),
		spassr.WithPoolLogger(log),
		spassr.WithPoolMetrics(metrics),
	)
	opts := []spassr.SPAHandlerOption{
		spassr.WithExecutor(pool),
		spassr.WithLogger(log),
		spassr.WithMetrics(metrics),
		spassr.WithBridgeOptions(
			spassr.WithErrorMarker(cfg.ErrorMarker),
			spassr.WithChunkBuffer(cfg.ChunkBuffer),
		),
	}
	if cfg.BaseRewrite {
		opts = append(opts, spassr.WithBaseRewriting())
	}
	spa := spassr.NewSPAHandler(dist, shell, spassr.RenderFunc(demoapp.Render), opts...)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Handle("/*", spa)

	srv := &http.Server{
		Handler:           otelhttp.NewHandler(router, "spassr"),
		ReadHeaderTimeout: readHeaderTimeout,
		// No WriteTimeout, as rendered documents are streamed for as long as
		// rendering takes.
	}
	servers := []*http.Server{srv}
	listeners := []net.Listener{ln}

	if mln != nil {
		mrouter := chi.NewRouter()
		mrouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{
			Handler:           mrouter,
			ReadHeaderTimeout: readHeaderTimeout,
		})
		listeners = append(listeners, mln)
	}
	if onListen != nil {
		var metricsAddr net.Addr
		if mln != nil {
			metricsAddr = mln.Addr()
		}
		onListen(ln.Addr(), metricsAddr)
	}
	log.Info("serving",
		slog.String("root", cfg.Root),
		slog.String("addr", ln.Addr().String()),
		slog.Int("workers", pool.Workers()))

	g, gctx := errgroup.WithContext(ctx)
	for idx := range servers {
		srv, ln := servers[idx], listeners[idx]
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}
		errs = append(errs, pool.Shutdown(sctx))
		if err := errors.Join(errs...); err != nil {
			log.Warn("shutdown incomplete", slog.String("error", err.Error()))
			return err
		}
		log.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}
