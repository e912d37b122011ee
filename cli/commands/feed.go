package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/changefeed/natsfeed"
	"github.com/AshkanYarmoradi/go-kin/cli/styles"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewFeedCommand creates the feed command
func NewFeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Run change-feed workers",
		Long: `Change-feed workers deliver stored events to the task projection.

With the poll driver the consumer reads the event store directly. With the
nats driver a relay publishes the event store to JetStream and consumers
subscribe to it.

Examples:
  kin feed run                  # Keep projections up to date
  kin feed run --snapshots      # ...and snapshot tasks per policy
  kin feed relay                # Publish the event store to JetStream`,
	}

	cmd.AddCommand(newFeedRunCommand())
	cmd.AddCommand(newFeedRelayCommand())

	return cmd
}

// runContext stops on SIGINT/SIGTERM, or after d when d is positive.
func runContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

// stopped reports whether err only means the worker was asked to stop.
func stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func newFeedRunCommand() *cobra.Command {
	var (
		duration    time.Duration
		snapshots   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply the change feed to the task projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runContext(cmd.Context(), duration)
			defer cancel()

			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			feed, closeFeed, err := openChangeFeed(env)
			if err != nil {
				return err
			}
			defer closeFeed()

			if metricsAddr != "" {
				stop := serveMetrics(env, metricsAddr)
				defer stop()
			}

			cf := env.Config.ChangeFeed
			consumer := kin.NewConsumer(feed, env.Updater,
				kin.WithMaxDeliveries(cf.MaxDeliveries),
				kin.WithConsumerLogger(env.Logger),
			)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("Consuming %s feed as %q", cf.Driver, cf.Consumer)))

			if snapshots {
				err = consumeWithSnapshots(ctx, env, feed, consumer)
			} else {
				err = consumer.Run(ctx)
			}
			if !stopped(err) {
				return err
			}
			fmt.Fprintln(out, styles.FormatSuccess("Consumer stopped"))
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (default: run until interrupted)")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "Evaluate the snapshot policy for every consumed event")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

// serveMetrics exposes the env's registry on addr/metrics until stop is called.
func serveMetrics(env *Env, addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.Logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	env.Logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// consumeWithSnapshots handles deliveries and feeds each event to the
// snapshot manager once the projection has seen it.
func consumeWithSnapshots(ctx context.Context, env *Env, feed kin.ChangeFeed, consumer *kin.Consumer) error {
	deliveries, err := feed.Deliveries(ctx)
	if err != nil {
		return err
	}

	events := make(chan adapters.StoredEvent, 64)
	done := make(chan error, 1)
	go func() { done <- env.Snapshots.Run(ctx, events) }()

	defer func() {
		close(events)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err()
			}
			consumer.Handle(ctx, d)
			select {
			case events <- d.Event():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// openChangeFeed returns the configured feed and a closer.
func openChangeFeed(env *Env) (kin.ChangeFeed, func(), error) {
	cf := env.Config.ChangeFeed
	switch cf.Driver {
	case "", "poll":
		return newPollingFeed(env, cf.Consumer), func() {}, nil

	case "nats":
		client, err := natsfeed.ConnectWithRetry(cf.NATSURL, cf.Stream, cf.SubjectPrefix, 10*time.Second)
		if err != nil {
			return nil, nil, kin.NewTransientError("connect nats", err)
		}
		feed := natsfeed.NewFeed(client.JS, cf.Consumer,
			natsfeed.WithSubject(cf.SubjectPrefix+".>"),
			natsfeed.WithFeedLogger(env.Logger),
		)
		return feed, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported change feed driver: %s", cf.Driver)
	}
}

func newPollingFeed(env *Env, name string) *kin.PollingFeed {
	return kin.NewPollingFeed(env.Adapter, env.Adapter, name,
		kin.WithPollInterval(env.Config.ChangeFeed.PollInterval),
		kin.WithPollingLogger(env.Logger),
	)
}

func newFeedRelayCommand() *cobra.Command {
	var (
		duration time.Duration
		name     string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish stored events to NATS JetStream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runContext(cmd.Context(), duration)
			defer cancel()

			env, err := setupEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			cf := env.Config.ChangeFeed
			if cf.NATSURL == "" {
				return fmt.Errorf("change_feed.nats_url is required for the relay")
			}

			client, err := natsfeed.ConnectWithRetry(cf.NATSURL, cf.Stream, cf.SubjectPrefix, 10*time.Second)
			if err != nil {
				return kin.NewTransientError("connect nats", err)
			}
			defer client.Close()

			relay := natsfeed.NewRelay(
				newPollingFeed(env, name),
				natsfeed.NewPublisher(client.JS, cf.SubjectPrefix),
				natsfeed.WithRelayLogger(env.Logger),
				natsfeed.WithRelayBackoff(env.RetryPolicy()),
			)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("Relaying event store to %s (%s)", cf.NATSURL, cf.Stream)))
			if err := relay.Run(ctx); !stopped(err) {
				return err
			}
			fmt.Fprintln(out, styles.FormatSuccess("Relay stopped"))
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (default: run until interrupted)")
	cmd.Flags().StringVar(&name, "checkpoint", "nats-relay", "Checkpoint name of the relay")

	return cmd
}
