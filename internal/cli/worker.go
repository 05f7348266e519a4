package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool",
	Long: `Run the worker pool against the shared queue without serving any API.

Requires a durable queue (QUEUE_BACKEND=sql) so that tasks published by
another process are visible.

Examples:
  integrity worker
  integrity worker --workers 8`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "number of workers (default from WORKER_COUNT)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if workerCount > 0 {
		cfg.Worker.Count = workerCount
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	pool, err := a.workerPool(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return pool.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
