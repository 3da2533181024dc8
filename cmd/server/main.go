package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devghori1264/greenops/internal/api"
	"github.com/devghori1264/greenops/internal/auth"
	"github.com/devghori1264/greenops/internal/config"
	"github.com/devghori1264/greenops/internal/logging"
	"github.com/devghori1264/greenops/internal/metrics"
	natsclient "github.com/devghori1264/greenops/internal/nats"
	"github.com/devghori1264/greenops/internal/scheduler"
	"github.com/devghori1264/greenops/internal/server"
	"github.com/devghori1264/greenops/internal/storage"
	"github.com/devghori1264/greenops/internal/tracing"
)

var (
	cfgFile string
	v       = viper.New()
	rootCmd = &cobra.Command{
		Use:           "greenopsd",
		Short:         "GreenOps machine lifecycle server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("grpc-addr", ":50051", "gRPC agent API listen address")
	flags.String("http-addr", ":8080", "REST operator API listen address")
	flags.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	flags.String("db", "./data/badger", "Badger DB path")

	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("server.grpc_addr", flags.Lookup("grpc-addr"))
	_ = v.BindPFlag("server.http_addr", flags.Lookup("http-addr"))
	_ = v.BindPFlag("server.metrics_addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("storage.badger_path", flags.Lookup("db"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	store, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	m := metrics.New()
	opts := server.Options{
		Lifecycle: cfg.Lifecycle,
		Energy:    cfg.Energy,
		Logger:    logger.Named("engine"),
		Metrics:   m,
	}
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer pub.Close()
		opts.Events = pub
	}
	srv := server.New(store, opts)

	if len(cfg.Operators) == 0 {
		logger.Warn("no operators configured, the REST API will reject every request")
	}
	operators := auth.NewOperators(cfg.Operators)

	sched, err := scheduler.New(srv, cfg.Lifecycle.SweepSchedule, logger.Named("scheduler"))
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(srv.UnaryInterceptor()))
	srv.RegisterGRPC(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.NewHTTPHandler(srv, operators, m, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, m)
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		logger.Info("gRPC agent API listening", zap.String("addr", cfg.Server.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("REST operator API listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Prometheus metrics available", zap.String("addr", cfg.Server.MetricsAddr+"/metrics"))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		grpcServer.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		if err := metricsServer.Shutdown(sctx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
