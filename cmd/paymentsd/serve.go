package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-payments/adapters/gojob"
	"github.com/goliatone/go-payments/core"
	"github.com/goliatone/go-payments/inbound"
	"github.com/goliatone/go-payments/janitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	addr            string
	workerID        string
	janitorInterval time.Duration
	maxBodyBytes    int64
	shutdownTimeout time.Duration
}

func serveCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the checkout helper, and run background workers",
		Long: `Serve the HTTP surface and run the webhook claim consumer.

Examples:
  paymentsd serve --addr :8080
  paymentsd serve --config payments.yaml --janitor-interval 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "http listen address")
	cmd.Flags().StringVar(&opts.workerID, "worker-id", defaultWorkerID(), "worker id recorded on claims")
	cmd.Flags().DurationVar(&opts.janitorInterval, "janitor-interval", 5*time.Minute, "janitor sweep interval (0 disables)")
	cmd.Flags().Int64Var(&opts.maxBodyBytes, "max-body-bytes", inbound.DefaultMaxBodyBytes, "webhook body size limit")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
	return cmd
}

func runServe(parent context.Context, root *rootOptions, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, root.logLevel)
	a, err := openApp(ctx, root, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ingestor, err := a.ingestor(opts.workerID)
	if err != nil {
		return err
	}
	router := inbound.NewRouter(ingestor,
		inbound.WithLogger(logger),
		inbound.WithAttemptCreator(a.service),
		inbound.WithMaxBodyBytes(opts.maxBodyBytes),
		inbound.WithHealthCheck(func(ctx context.Context) error {
			return a.client.DB().PingContext(ctx)
		}),
	)
	server := &http.Server{
		Addr:              opts.addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening",
			"addr", opts.addr,
			"worker_id", opts.workerID,
			"providers", a.hooks.Names(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.claimProcessor(opts.workerID).Run(groupCtx)
	})
	if opts.janitorInterval > 0 {
		jobs := gojob.NewMemoryQueue()
		policy := gojob.DefaultRetryPolicy()
		worker := gojob.NewWorker(gojob.NewDequeuerAdapter(jobs, policy), a.janitor, policy, gojob.LoggingHook{Logger: logger})
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
		group.Go(func() error {
			return runJanitorSchedule(groupCtx, gojob.NewEnqueuerAdapter(jobs), opts.janitorInterval, logger)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// scheduledJobs are the repair jobs queued on each tick. Report jobs are
// left to the janitor command.
var scheduledJobs = []janitor.JobName{
	janitor.JobSweepStaleCreatingAttempt,
	janitor.JobRestockStaleOrders,
	janitor.JobPurgeRateLimitWindows,
}

func runJanitorSchedule(ctx context.Context, enqueuer core.JobEnqueuer, interval time.Duration, logger core.Logger) error {
	return gojob.ScheduleEvery(ctx, enqueuer, scheduledJobs, interval, time.Now, func(job janitor.JobName, err error) {
		core.LogWithLevel(ctx, logger, "error", "janitor job not scheduled", map[string]any{
			"job":   string(job),
			"error": err.Error(),
		})
	})
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "paymentsd"
	}
	return "paymentsd@" + host
}
