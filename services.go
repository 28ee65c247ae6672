package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yulian302/lfusys-services-migrator/handlers"
	"github.com/Yulian302/lfusys-services-migrator/health"
	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/Yulian302/lfusys-services-migrator/queues"
	"github.com/Yulian302/lfusys-services-migrator/services"
	"github.com/Yulian302/lfusys-services-migrator/store"
)

type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleDirect     Role = "direct"
	RoleChunk      Role = "chunk"
	RoleMonitor    Role = "monitor"
)

var allRoles = []Role{RoleDispatcher, RoleDirect, RoleChunk, RoleMonitor}

func ParseRoles(names []string) ([]Role, error) {
	if len(names) == 0 {
		return allRoles, nil
	}

	seen := make(map[Role]bool, len(names))
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r := Role(n)
		switch r {
		case RoleDispatcher, RoleDirect, RoleChunk, RoleMonitor:
		default:
			return nil, fmt.Errorf("unknown role %q", n)
		}
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles, nil
}

type Stores struct {
	guards   store.GuardStore
	results  store.DirectResultStore
	tasks    store.DirectTaskStore
	sessions store.SessionStore
	parts    store.PartStore

	source      store.SourceStorage
	destination store.DestinationStorage
}

func (s *Stores) checks() []health.ReadinessCheck {
	var checks []health.ReadinessCheck
	for _, v := range []any{s.guards, s.results, s.tasks, s.sessions, s.parts} {
		if c, ok := v.(health.ReadinessCheck); ok {
			checks = append(checks, c)
		}
	}
	return checks
}

type Services struct {
	Dispatcher services.DispatchService
	Direct     services.DirectStreamService
	Chunks     services.ChunkService
	Assembler  services.AssemblyService
	Recovery   services.RecoveryService

	Publisher queues.Publisher
	URLs      queues.QueueURLs
	Queues    []*queues.QueueCheck
	Consumers []*queues.Consumer

	Stores *Stores

	Handler *handlers.QueueHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

type Closer interface {
	Close() error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	tables := cfg.DynamoDBConfig

	var guards store.GuardStore
	switch cfg.GuardConfig.Backend {
	case "redis":
		if app.Redis == nil {
			return nil, errors.New("redis guard backend selected but redis is not configured")
		}
		guards = store.NewRedisGuardStoreImpl(app.Redis, cfg.GuardConfig.TTL)
	default:
		guards = store.NewDynamoDbGuardStoreImpl(app.DynamoDB, tables.GuardTableName)
	}

	stores := &Stores{
		guards:      guards,
		results:     store.NewDynamoDbDirectResultStoreImpl(app.DynamoDB, tables.DirectResultsTableName),
		tasks:       store.NewDynamoDbDirectTaskStoreImpl(app.DynamoDB, tables.DirectTasksTableName),
		sessions:    store.NewSessionStoreImpl(app.DynamoDB, tables.SessionsTableName),
		parts:       store.NewDynamoDbPartStoreImpl(app.DynamoDB, tables.PartsTableName),
		source:      store.NewGCSSourceStorageImpl(app.GCS),
		destination: store.NewS3DestinationStorageImpl(app.S3, app.Logger.With("component", "destination")),
	}

	urls := queues.QueueURLs{
		TransferRequests: cfg.QueueURL(cfg.QueueConfig.TransferRequests),
		DirectJobs:       cfg.QueueURL(cfg.QueueConfig.DirectJobs),
		ChunkJobs:        cfg.QueueURL(cfg.QueueConfig.ChunkJobs),
	}
	publisher := queues.NewSQSPublisherImpl(app.Sqs, urls)

	transfer := cfg.TransferConfig
	resolver := services.NewSizeResolverImpl(stores.source, cfg.GCSConfig.SourceBucket, app.Logger.With("component", "resolver"))

	dispatcher := services.NewDispatchServiceImpl(
		resolver,
		stores.guards,
		stores.results,
		stores.sessions,
		stores.destination,
		publisher,
		services.DispatchConfig{
			SrcBucket: cfg.GCSConfig.SourceBucket,
			DstBucket: cfg.AWSConfig.DestinationBucket,
			Limits: models.Limits{
				RejectLimit: transfer.RejectLimit.Int64(),
				DirectLimit: transfer.DirectLimit.Int64(),
				PartSize:    transfer.PartSize.Int64(),
			},
			GuardTTL: cfg.GuardConfig.TTL,
		},
		app.Logger.With("component", "dispatcher"),
		app.Metrics,
	)

	direct := services.NewDirectStreamServiceImpl(
		stores.source,
		stores.destination,
		stores.results,
		stores.tasks,
		app.Logger.With("component", "direct"),
		app.Metrics,
	)

	assembler := services.NewAssemblyServiceImpl(
		stores.sessions,
		stores.parts,
		stores.destination,
		app.Logger.With("component", "assembler"),
		app.Metrics,
	)

	chunks := services.NewChunkServiceImpl(
		stores.source,
		stores.destination,
		stores.sessions,
		stores.parts,
		assembler,
		transfer.TempDir,
		app.Logger.With("component", "chunk"),
		app.Metrics,
	)

	recovery := services.NewRecoveryServiceImpl(
		stores.sessions,
		stores.parts,
		stores.results,
		stores.tasks,
		publisher,
		assembler,
		transfer.StaleTimeout,
		transfer.MonitorInterval,
		app.Logger.With("component", "monitor"),
		app.Metrics,
	)

	return &Services{
		Dispatcher: dispatcher,
		Direct:     direct,
		Chunks:     chunks,
		Assembler:  assembler,
		Recovery:   recovery,

		Publisher: publisher,
		URLs:      urls,
		Queues: []*queues.QueueCheck{
			queues.NewQueueCheck(app.Sqs, "transfer_requests", urls.TransferRequests),
			queues.NewQueueCheck(app.Sqs, "direct_jobs", urls.DirectJobs),
			queues.NewQueueCheck(app.Sqs, "chunk_jobs", urls.ChunkJobs),
		},

		Stores: stores,

		Handler: handlers.NewQueueHandler(dispatcher, direct, chunks, app.Logger.With("component", "handler")),
	}, nil
}

// StartConsumers starts one queue consumer per worker role. The monitor role
// has no queue.
func (s *Services) StartConsumers(ctx context.Context, app *App, roles []Role) {
	svcCfg := app.Config.ServiceConfig

	consumerFor := func(name, url string, h queues.HandlerFunc) *queues.Consumer {
		return queues.NewConsumer(ctx, app.Sqs, queues.ConsumerConfig{
			Name:              name,
			QueueURL:          url,
			Concurrency:       svcCfg.Concurrency,
			WaitTimeSeconds:   svcCfg.WaitTimeSeconds,
			VisibilityTimeout: svcCfg.VisibilityTimeout,
		}, h, app.Logger, app.Metrics)
	}

	for _, r := range roles {
		var c *queues.Consumer
		switch r {
		case RoleDispatcher:
			c = consumerFor("transfer_requests", s.URLs.TransferRequests, s.Handler.HandleTransferRequest)
		case RoleDirect:
			c = consumerFor("direct_jobs", s.URLs.DirectJobs, s.Handler.HandleDirectJob)
		case RoleChunk:
			c = consumerFor("chunk_jobs", s.URLs.ChunkJobs, s.Handler.HandleChunkJob)
		default:
			continue
		}
		c.Start()
		s.Consumers = append(s.Consumers, c)
	}
}

func (s *Services) Shutdown(ctx context.Context, app *App) error {
	app.Logger.Info("shutting down services")

	var errs []error
	for _, c := range s.Consumers {
		if err := c.Shutdown(ctx); err != nil {
			app.Logger.Error("consumer shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.Stores != nil {
		if err := s.Stores.Shutdown(ctx, app); err != nil {
			errs = append(errs, err)
		}
	}

	app.Logger.Info("services shutdown complete")
	return errors.Join(errs...)
}

func (s *Stores) Shutdown(ctx context.Context, app *App) error {
	var errs []error

	shutdownIfPossible := func(name string, v any) {
		switch sh := v.(type) {
		case Shutdowner:
			if err := sh.Shutdown(ctx); err != nil {
				app.Logger.Error("store shutdown error", "store", name, "error", err)
				errs = append(errs, err)
			}
		case Closer:
			if err := sh.Close(); err != nil {
				app.Logger.Error("store close error", "store", name, "error", err)
				errs = append(errs, err)
			}
		}
	}

	shutdownIfPossible("source", s.source)
	shutdownIfPossible("destination", s.destination)

	return errors.Join(errs...)
}
