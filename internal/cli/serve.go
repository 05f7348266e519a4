package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/integrity-pipeline/internal/server"
)

var (
	serveNoWorkers bool
	serveNoSweeper bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC APIs, the worker pool and the sweeper",
	Long: `Run every component in one process: the HTTP API, the gRPC JobService,
the worker pool and the maintenance sweeper.

Examples:
  integrity serve
  HTTP_ADDR=:9000 QUEUE_BACKEND=memory integrity serve
  integrity serve --no-workers   # API only, workers run elsewhere`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "do not start the worker pool")
	serveCmd.Flags().BoolVar(&serveNoSweeper, "no-sweeper", false, "do not start the maintenance sweeper")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	if !serveNoWorkers {
		pool, err := a.workerPool(ctx)
		if err != nil {
			return err
		}
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return pool.Shutdown(shutdownCtx)
		})
	}

	if !serveNoSweeper {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}

	if cfg.Server.HTTPAddr != "" {
		api := server.NewHTTPServer(a.ingest, a.status, a.export, a.db, server.HTTPConfig{
			MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
			UploadsPerMin:  cfg.Server.UploadsPerMin,
		}, logger)
		httpServer := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			return err
		}
		grpcServer, healthServer := server.NewGRPCServer(
			server.NewJobService(a.ingest, a.status, logger), cfg.Ingest.MaxUploadBytes, logger)
		g.Go(func() error {
			logger.Info("grpc api listening", "addr", cfg.Server.GRPCAddr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			grpcServer.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
