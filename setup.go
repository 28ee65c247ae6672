package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Yulian302/lfusys-services-migrator/config"
	"github.com/Yulian302/lfusys-services-migrator/health"
	"github.com/Yulian302/lfusys-services-migrator/logging"
	"github.com/Yulian302/lfusys-services-migrator/metrics"
	"github.com/Yulian302/lfusys-services-migrator/store"
	"github.com/Yulian302/lfusys-services-migrator/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serviceName = "migrator"

	healthInterval     = 5 * time.Second
	healthCheckTimeout = 500 * time.Millisecond
)

type App struct {
	Server       *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	Redis    *redis.Client
	Sqs      *sqs.Client
	S3       *s3.Client
	GCS      *storage.Client

	Config    config.Config
	AwsConfig aws.Config

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Services       *Services
	shutdownTracer func(context.Context) error
	Logger         logging.Logger
}

func SetupApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env, cfg.LogLevel))

	awsCfg, err := initAWS(ctx, *cfg.AWSConfig)
	if err != nil {
		return nil, err
	}

	gcs, err := store.NewGCSClient(ctx, cfg.GCSConfig.CredentialsFile, cfg.GCSConfig.Endpoint)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.AWSConfig.Endpoint
	app := &App{
		DynamoDB: initDynamo(awsCfg, endpoint),
		Sqs:      initSqs(awsCfg, endpoint),
		S3:       initS3(awsCfg, endpoint),
		GCS:      gcs,

		Config:    cfg,
		AwsConfig: awsCfg,
		Logger:    appLogger,
	}

	if cfg.GuardConfig.Backend == "redis" {
		app.Redis = initRedis(*cfg.RedisConfig)
	}

	if cfg.MetricsConfig.Enabled {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		app.Metrics = metrics.NewMetrics(app.Registry)
	}

	if cfg.Tracing {
		shutdown, err := tracing.InitTracer(ctx, serviceName, cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.shutdownTracer = shutdown
	}

	app.Services, err = BuildServices(app)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run serves the given roles until ctx is cancelled. The health server and
// the metrics endpoint run for every role set.
func (a *App) Run(ctx context.Context, roles []Role) error {
	a.Server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx)

	l, err := net.Listen("tcp", a.Config.ServiceConfig.HealthGRPCAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("health server listening", "addr", a.Config.ServiceConfig.HealthGRPCAddr)
		if err := a.Server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	if a.Registry != nil {
		g.Go(func() error {
			return metrics.Serve(ctx, a.Config.MetricsConfig.Addr, a.Registry, a.Logger)
		})
	}

	a.Services.StartConsumers(ctx, a, roles)

	for _, r := range roles {
		if r == RoleMonitor {
			g.Go(func() error {
				return a.Services.Recovery.Run(ctx)
			})
		}
	}

	a.Logger.Info("migrator started", "roles", roles)

	g.Go(func() error {
		<-ctx.Done()
		a.Server.GracefulStop()
		return nil
	})

	return g.Wait()
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.Server, a.HealthServer)

	checks := a.Services.Stores.checks()
	for _, q := range a.Services.Queues {
		checks = append(checks, q)
	}

	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING
				if err := health.Probe(ctx, healthCheckTimeout, checks...); err != nil {
					a.Logger.Warn("readiness check failed", "error", err)
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.Server != nil {
		done := make(chan struct{})
		go func() {
			a.Server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.Server.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx, a); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
