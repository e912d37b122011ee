package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
	"github.com/AshkanYarmoradi/go-kin/adapters/memory"
	"github.com/AshkanYarmoradi/go-kin/adapters/postgres"
	"github.com/AshkanYarmoradi/go-kin/cli/config"
	"github.com/AshkanYarmoradi/go-kin/deadletter/kafka"
	"github.com/AshkanYarmoradi/go-kin/deadletter/sns"
	"github.com/AshkanYarmoradi/go-kin/deadletter/sqs"
	"github.com/AshkanYarmoradi/go-kin/logging/zaplog"
	"github.com/AshkanYarmoradi/go-kin/middleware/metrics"
	"github.com/AshkanYarmoradi/go-kin/serializer/msgpack"
	"github.com/prometheus/client_golang/prometheus"
)

// CLIAdapter combines every adapter interface the CLI needs.
type CLIAdapter interface {
	adapters.EventStoreAdapter
	adapters.FeedAdapter
	adapters.SnapshotAdapter
	adapters.ProjectionAdapter
	adapters.CheckpointAdapter
	adapters.HealthChecker
}

// openAdapter connects to the configured database. Tests replace it to
// share one in-memory adapter across commands.
var openAdapter = func(ctx context.Context, cfg *config.Config, logger kin.Logger) (CLIAdapter, error) {
	switch cfg.Database.Driver {
	case "postgres", "postgresql":
		opts := []postgres.Option{
			postgres.WithSchema(cfg.Database.Schema),
			postgres.WithLogger(logger),
		}
		if cfg.Database.MaxConnections > 0 {
			opts = append(opts, postgres.WithMaxConnections(cfg.Database.MaxConnections))
		}
		if cfg.ChangeFeed.PollInterval > 0 {
			opts = append(opts, postgres.WithPollInterval(cfg.ChangeFeed.PollInterval))
		}
		adapter, err := postgres.NewAdapter(cfg.Database.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return adapter, nil

	case "memory":
		return memory.NewAdapter(), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// Env is the wired engine behind one CLI invocation.
type Env struct {
	Config      *config.Config
	Logger      *zaplog.Logger
	Adapter     CLIAdapter
	Store       *kin.EventStore
	Snapshots   *kin.SnapshotManager
	Updater     *kin.ProjectionUpdater
	Query       *kin.ProjectionQuery
	DeadLetters kin.DeadLetterPublisher

	// Metrics instruments the store, processor, updater and dead letters.
	// Registry holds only its collectors.
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []func() error
}

// Close releases every resource opened by the env.
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	if e.Logger != nil {
		_ = e.Logger.Sync()
	}
}

// RetryPolicy returns the configured processor retry policy.
func (e *Env) RetryPolicy() kin.RetryPolicy {
	r := e.Config.Engine.Retry
	return kin.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  2,
		Jitter:      r.Jitter,
	}
}

// Processor builds a command processor over the env's store.
func (e *Env) Processor(opts ...kin.ProcessorOption) *kin.Processor {
	base := []kin.ProcessorOption{
		kin.WithLoader(e.Snapshots.Loader()),
		kin.WithRetryPolicy(e.RetryPolicy()),
		kin.WithProcessorLogger(e.Logger),
		kin.WithMiddleware(e.Metrics.CommandMiddleware()),
	}
	return kin.NewProcessor(e.Store, append(base, opts...)...)
}

// configPath is set by the --config flag.
var configPath string

// loadConfig finds kin.yaml from the working directory upwards, unless
// --config names a file.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s found (run 'kin init')", config.ConfigFileName)
		}
		return nil, err
	}
	return cfg, nil
}

// setupEnv loads and validates the config and wires the engine.
func setupEnv(ctx context.Context) (*Env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid %s: %s", config.ConfigFileName, problems[0])
	}
	return newEnv(ctx, cfg)
}

func newEnv(ctx context.Context, cfg *config.Config) (*Env, error) {
	zl, err := zaplog.Build(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	env := &Env{
		Config:   cfg,
		Logger:   zaplog.New(zl),
		Metrics:  metrics.New(metrics.WithMetricsServiceName("kin")),
		Registry: prometheus.NewRegistry(),
	}
	if err := env.Metrics.Register(env.Registry); err != nil {
		return nil, err
	}

	adapter, err := openAdapter(ctx, cfg, env.Logger)
	if err != nil {
		return nil, err
	}
	env.Adapter = adapter
	env.closers = append(env.closers, adapter.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	dl, closeDL, err := newDeadLetters(ctx, cfg.DeadLetter, env.Logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.DeadLetters = env.Metrics.WrapDeadLetters(dl)
	if closeDL != nil {
		env.closers = append(env.closers, closeDL)
	}

	policy, err := kin.ParseUnknownKindPolicy(cfg.Engine.UnknownKinds)
	if err != nil {
		env.Close()
		return nil, err
	}
	reconstructor := kin.NewReconstructor(
		kin.WithUnknownKindPolicy(policy),
		kin.WithReconstructorLogger(env.Logger),
	)

	env.Store = kin.New(env.Metrics.WrapEventStore(adapter), kin.WithLogger(env.Logger))
	env.Snapshots = kin.NewSnapshotManager(env.Store, adapter,
		kin.WithSnapshotPolicy(kin.SnapshotPolicy{
			EventThreshold: cfg.Engine.Snapshot.EventThreshold,
			MaxAge:         cfg.Engine.Snapshot.MaxAge,
			ExpiryGrace:    cfg.Engine.Snapshot.ExpiryGrace,
		}),
		kin.WithSnapshotSerializer(newSerializer(cfg.Engine.Snapshot.Serializer)),
		kin.WithSnapshotReconstructor(reconstructor),
		kin.WithSnapshotLogger(env.Logger),
	)
	env.Updater = kin.NewProjectionUpdater(adapter,
		kin.WithDeadLetters(env.DeadLetters),
		kin.WithProjectionReconstructor(reconstructor),
		kin.WithProjectionObserver(env.Metrics),
		kin.WithProjectionLogger(env.Logger),
	)
	env.Query = kin.NewProjectionQuery(adapter)

	return env, nil
}

func newSerializer(name string) kin.Serializer {
	if name == msgpack.Name {
		return msgpack.NewSerializer()
	}
	return kin.NewJSONSerializer()
}

// newDeadLetters builds the configured dead-letter publisher and its closer.
func newDeadLetters(ctx context.Context, cfg config.DeadLetterConfig, logger kin.Logger) (kin.DeadLetterPublisher, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return kin.NewChannelDeadLetters(0), nil, nil

	case "kafka":
		opts := []kafka.Option{kafka.WithBrokers(cfg.KafkaBrokers...)}
		if cfg.KafkaTopic != "" {
			opts = append(opts, kafka.WithTopic(cfg.KafkaTopic))
		}
		p := kafka.New(opts...)
		return p, p.Close, nil

	case "sns":
		var opts []sns.Option
		if cfg.SNSFIFO {
			opts = append(opts, sns.WithFIFO())
		}
		p, err := sns.NewFromConfig(ctx, cfg.Region, cfg.SNSTopicARN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	case "sqs":
		p, err := sqs.NewFromConfig(ctx, sqs.Config{
			Region:   cfg.Region,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.Endpoint,
		}, sqs.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported dead letter driver: %s", cfg.Driver)
	}
}
