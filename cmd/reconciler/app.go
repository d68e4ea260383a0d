package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/config"
	"github.com/CrowdDotDev/crowd.dev-sub007/internal/repositories"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/affiliation"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/archive"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/events"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/graph"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/health"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/kafka"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/merging"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/recalc"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/reconciler"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/redis"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/scheduler"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/startup"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/workflow"
)

const recalcChangedJob = "recalc-changed"

// app holds the process-wide dependencies, filled in as startup reaches them.
type app struct {
	cfg    config.Config
	logger ectologger.Logger

	db        database.DB
	redis     *redis.Client
	producer  *kafka.Producer
	notifier  events.Notifier
	emitter   *events.Emitter
	graph     *graph.Client
	archive   *archive.S3Archive
	registry  *workflow.Registry
	client    workflow.Client
	queue     *workflow.Queue
	runner    *workflow.Runner
	service   *reconciler.Service
	scheduler *scheduler.Scheduler
	checker   *health.Checker
	ops       *health.Server
}

func newApp(cfg config.Config, logger ectologger.Logger) *app {
	checker := health.NewChecker(cfg.Version)
	return &app{
		cfg:      cfg,
		logger:   logger,
		notifier: events.Nop{},
		registry: workflow.NewRegistry(),
		checker:  checker,
		ops:      health.NewServer(cfg.AppName, cfg.OpsPort, checker, logger),
	}
}

// register adds everything the long-running service needs.
func (a *app) register(boot *startup.Startup) {
	a.registerEngine(boot)
	boot.AddDependency(startup.Func{Name: "ops", OnStart: a.ops.Start, OnStop: a.ops.Stop})
	boot.AddDependency(startup.Func{Name: "workers", Requires: []string{"engine"}, OnStart: a.startWorkers, OnStop: a.stopWorkers})
}

// registerEngine adds the stores and the engine built on them.
func (a *app) registerEngine(boot *startup.Startup) {
	boot.AddDependency(startup.Func{Name: "postgres", OnStart: a.startPostgres, OnStop: a.stopPostgres})
	boot.AddDependency(startup.Func{Name: "migrations", Requires: []string{"postgres"}, OnStart: a.migrate})
	boot.AddDependency(startup.Func{Name: "redis", OnStart: a.startRedis, OnStop: a.stopRedis})
	boot.AddDependency(startup.Func{Name: "kafka", OnStart: a.startKafka, OnStop: a.stopKafka})
	boot.AddDependency(startup.Func{Name: "graph", OnStart: a.startGraph, OnStop: a.stopGraph})
	boot.AddDependency(startup.Func{Name: "archive", OnStart: a.startArchive})
	boot.AddDependency(startup.Func{
		Name:     "engine",
		Requires: []string{"migrations", "redis", "kafka", "graph", "archive"},
		OnStart:  a.startEngine,
	})
}

func (a *app) startPostgres(ctx context.Context) error {
	db, err := database.Open(ctx, database.Config{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.checker.AddCheck(health.Check{Name: "postgres", Probe: db.PingContext})
	return nil
}

func (a *app) stopPostgres(context.Context) error {
	return a.db.Close()
}

func (a *app) migrate(ctx context.Context) error {
	pool, ok := a.db.(interface{ SQL() *sql.DB })
	if !ok {
		return errors.New("database does not expose a sql pool for migrations")
	}
	version := uint(0)
	if a.cfg.DatabaseMigrationVersion > 0 {
		version = uint(a.cfg.DatabaseMigrationVersion)
	}
	svc := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             version,
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	a.logger.WithContext(ctx).Infof("Applying migrations from %s", a.cfg.DatabaseMigrationFolderPath)
	return svc.MigratePostgres(pool.SQL(), a.cfg.DatabaseName)
}

func (a *app) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.checker.AddCheck(health.Check{Name: "redis", Probe: client.Ping})
	return nil
}

func (a *app) stopRedis(context.Context) error {
	return a.redis.Close()
}

func (a *app) startKafka(context.Context) error {
	if !a.cfg.KafkaEnabled {
		a.logger.Info("Kafka disabled, sync events are dropped")
		return nil
	}
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaSyncTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: a.cfg.KafkaBatchTimeout,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	if err != nil {
		return err
	}
	a.producer = producer
	a.emitter = events.NewEmitter(a.producer, a.logger)
	a.notifier = a.emitter
	return nil
}

func (a *app) stopKafka(ctx context.Context) error {
	if a.producer == nil {
		return nil
	}
	if err := a.emitter.Flush(ctx); err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("Sync events still pending at shutdown")
	}
	return a.producer.Close()
}

func (a *app) startGraph(ctx context.Context) error {
	if !a.cfg.GraphDBEnabled {
		return nil
	}
	client, err := graph.NewClient(graph.Config{
		Host:     a.cfg.GraphDBHost,
		Port:     a.cfg.GraphDBPort,
		Username: a.cfg.GraphDBUsername,
		Password: a.cfg.GraphDBPassword,
		Database: a.cfg.GraphDBDatabase,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	a.graph = client
	a.checker.AddCheck(health.Check{Name: "graph", Optional: true, Probe: client.VerifyConnectivity})
	return nil
}

func (a *app) stopGraph(ctx context.Context) error {
	if a.graph == nil {
		return nil
	}
	return a.graph.Close(ctx)
}

func (a *app) startArchive(ctx context.Context) error {
	if !a.cfg.ArchiveEnabled {
		return nil
	}
	store, err := archive.New(ctx, archive.Config{
		Bucket:          a.cfg.ArchiveBucket,
		Region:          a.cfg.ArchiveRegion,
		Prefix:          a.cfg.ArchivePrefix,
		Endpoint:        a.cfg.ArchiveEndpoint,
		PathStyle:       a.cfg.ArchivePathStyle,
		AccessKeyID:     a.cfg.ArchiveAccessKeyID,
		SecretAccessKey: a.cfg.ArchiveSecretAccessKey,
	}, a.logger)
	if err != nil {
		return err
	}
	a.archive = store
	return nil
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     uint(a.cfg.RetryMaxAttempts),
		InitialInterval: a.cfg.RetryInitialInterval,
		MaxInterval:     a.cfg.RetryMaxInterval,
		AttemptTimeout:  a.cfg.RetryAttemptTimeout,
	}
}

// startEngine wires the store, the recalculation service and the orchestrator.
func (a *app) startEngine(context.Context) error {
	repos := repositories.NewStore(a.db, a.logger)
	locker := redis.NewLocker(a.redis, a.cfg.RedisKeyPrefix+"lock:")

	switch a.cfg.WorkflowBackend {
	case "local":
		a.runner = workflow.NewRunner(a.registry, a.cfg.WorkflowConcurrency, a.logger, workflow.WithRetention(a.cfg.WorkflowRetention))
		a.client = a.runner
	default:
		qc := workflow.DefaultQueueConfig()
		qc.Stream = a.cfg.WorkflowStream
		qc.ConsumerGroup = a.cfg.WorkflowGroup
		qc.WorkerCount = int(a.cfg.WorkflowConcurrency)
		a.queue = workflow.NewQueue(redis.NewStreams(a.redis), a.registry, qc, a.logger)
		a.client = a.queue
	}

	rec := recalc.NewService(repos, repositories.NewStateStore(a.db, a.logger), locker, a.notifier, recalc.Config{
		BatchSize:      a.cfg.RecalcBatchSize,
		PageSize:       a.cfg.CursorPageSize,
		Concurrency:    a.cfg.CursorConcurrency,
		MaxPagesPerRun: a.cfg.CursorMaxPagesPerRun,
		DryRun:         a.cfg.RecalcDryRun,
		MemberLockTTL:  a.cfg.MemberLockTTL,
		MemberLockWait: a.cfg.MemberLockWait,
		Retry:          a.retryPolicy(),
	}, a.logger)

	opts := []merging.Option{merging.WithNotifier(a.notifier)}
	if a.archive != nil {
		opts = append(opts, merging.WithArchive(a.archive))
	}
	if a.graph != nil {
		opts = append(opts, merging.WithLineage(graph.NewLineage(a.graph, a.logger)))
	}
	orch := merging.NewOrchestrator(a.logger, repos, locker, a.client, rec, merging.Config{
		RelationBatchSize: a.cfg.RelationBatchSize,
		PairLockTTL:       a.cfg.PairLockTTL,
		ActionLockTTL:     a.cfg.ActionLockTTL,
		Retry:             a.retryPolicy(),
	}, opts...)
	orch.Register(a.registry)

	resolver := affiliation.NewResolver(repos.Memberships, repos.SegmentAffiliations, a.logger)
	a.service = reconciler.NewService(a.logger, orch, rec, resolver, merging.NewAuditService(a.logger, repos.MergeActions), a.client)
	a.scheduler = scheduler.NewScheduler(locker, scheduler.Config{
		PollInterval: a.cfg.RecalcInterval,
		LockTTL:      a.cfg.RecalcLockTTL,
	}, a.logger, scheduler.Job{
		Name: recalcChangedJob,
		Run: func(ctx context.Context) error {
			_, err := a.service.RecalculateAllChanged(ctx)
			return err
		},
	})
	return nil
}

func (a *app) startWorkers(ctx context.Context) error {
	if a.queue != nil {
		if err := a.queue.Run(ctx); err != nil {
			return err
		}
	}
	return a.scheduler.Start(ctx)
}

func (a *app) stopWorkers(ctx context.Context) error {
	err := a.scheduler.Stop(ctx)
	if a.queue != nil {
		err = errors.Join(err, a.queue.Stop(ctx))
	}
	if a.runner != nil {
		err = errors.Join(err, a.runner.Wait(ctx))
	}
	return err
}
