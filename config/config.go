package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "MIGRATOR"

// S3 multipart limits.
const (
	minPartSize = 5 * MiB
	maxPartSize = 5 * GiB
	maxParts    = 10000
)

type Config struct {
	Env      string `mapstructure:"env" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	AWSConfig      *AWSConfig     `mapstructure:"aws" validate:"required"`
	GCSConfig      GCSConfig      `mapstructure:"gcs"`
	DynamoDBConfig DynamoDBConfig `mapstructure:"dynamodb"`
	QueueConfig    QueueConfig    `mapstructure:"queues"`
	TransferConfig TransferConfig `mapstructure:"transfer"`
	GuardConfig    GuardConfig    `mapstructure:"guard"`
	RedisConfig    *RedisConfig   `mapstructure:"redis"`
	ServiceConfig  ServiceConfig  `mapstructure:"service"`
	MetricsConfig  MetricsConfig  `mapstructure:"metrics"`

	Tracing     bool   `mapstructure:"tracing"`
	TracingAddr string `mapstructure:"tracing_addr"`
}

type AWSConfig struct {
	Region    string `mapstructure:"region" validate:"required"`
	AccountID string `mapstructure:"account_id"`
	// Endpoint overrides every AWS service endpoint, e.g. LocalStack.
	Endpoint          string `mapstructure:"endpoint"`
	DestinationBucket string `mapstructure:"destination_bucket" validate:"required"`
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("aws region is not set")
	}
	if c.DestinationBucket == "" {
		return errors.New("destination bucket is not set")
	}
	return nil
}

type GCSConfig struct {
	SourceBucket    string `mapstructure:"source_bucket" validate:"required"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint points the client at an emulator.
	Endpoint string `mapstructure:"endpoint"`
}

type DynamoDBConfig struct {
	GuardTableName         string `mapstructure:"guard_table" validate:"required"`
	DirectResultsTableName string `mapstructure:"direct_results_table" validate:"required"`
	DirectTasksTableName   string `mapstructure:"direct_tasks_table" validate:"required"`
	SessionsTableName      string `mapstructure:"sessions_table" validate:"required"`
	PartsTableName         string `mapstructure:"parts_table" validate:"required"`
}

// QueueConfig holds queue names or full queue URLs.
type QueueConfig struct {
	TransferRequests string `mapstructure:"transfer_requests" validate:"required"`
	DirectJobs       string `mapstructure:"direct_jobs" validate:"required"`
	ChunkJobs        string `mapstructure:"chunk_jobs" validate:"required"`
}

type TransferConfig struct {
	Scenario        string        `mapstructure:"scenario"`
	RejectLimit     ByteSize      `mapstructure:"reject_limit" validate:"gt=0"`
	DirectLimit     ByteSize      `mapstructure:"direct_limit"`
	PartSize        ByteSize      `mapstructure:"part_size"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout" validate:"gt=0"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"gt=0"`
	TempDir         string        `mapstructure:"temp_dir"`
}

type GuardConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=dynamodb redis"`
	// TTL of a dispatch latch. Zero keeps latches forever.
	TTL time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type RedisConfig struct {
	HOST     string `mapstructure:"host"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServiceConfig struct {
	HealthGRPCAddr    string        `mapstructure:"health_grpc_addr"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1,lte=10"`
	WaitTimeSeconds   int32         `mapstructure:"wait_time_seconds" validate:"gte=0,lte=20"`
	VisibilityTimeout int32         `mapstructure:"visibility_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from defaults, an optional YAML file and
// MIGRATOR_* environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// no defaults for these; scenario fills them after unmarshal
	for _, k := range []string{"transfer.direct_limit", "transfer.part_size"} {
		if err := v.BindEnv(k); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyScenario(&cfg.TransferConfig); err != nil {
		return Config{}, err
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.account_id", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.destination_bucket", "")

	v.SetDefault("gcs.source_bucket", "")
	v.SetDefault("gcs.project_id", "")
	v.SetDefault("gcs.credentials_file", "")
	v.SetDefault("gcs.endpoint", "")

	v.SetDefault("dynamodb.guard_table", "UriList")
	v.SetDefault("dynamodb.direct_results_table", "DirectResults")
	v.SetDefault("dynamodb.direct_tasks_table", "DirectTasks")
	v.SetDefault("dynamodb.sessions_table", "ChunkSessions")
	v.SetDefault("dynamodb.parts_table", "ChunkParts")

	v.SetDefault("queues.transfer_requests", "UriList")
	v.SetDefault("queues.direct_jobs", "DirectTasks.fifo")
	v.SetDefault("queues.chunk_jobs", "ChunkTasks.fifo")

	v.SetDefault("transfer.scenario", DefaultScenario)
	v.SetDefault("transfer.reject_limit", "30GiB")
	v.SetDefault("transfer.stale_timeout", "300s")
	// just past the 5 minute SQS FIFO dedup window, so a part requeued on
	// one sweep and again on the next is never dropped as a duplicate
	v.SetDefault("transfer.monitor_interval", "330s")
	v.SetDefault("transfer.temp_dir", os.TempDir())

	v.SetDefault("guard.backend", "dynamodb")
	v.SetDefault("guard.ttl", "0s")

	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("service.health_grpc_addr", ":50061")
	v.SetDefault("service.concurrency", 4)
	v.SetDefault("service.wait_time_seconds", 20)
	v.SetDefault("service.visibility_timeout", 300)
	v.SetDefault("service.shutdown_timeout", "30s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("tracing", false)
	v.SetDefault("tracing_addr", "localhost:4317")
}

func applyScenario(t *TransferConfig) error {
	s, err := LookupScenario(t.Scenario)
	if err != nil {
		return err
	}
	t.Scenario = s.Name

	if t.PartSize == 0 {
		t.PartSize = s.PartSize
	}
	if t.DirectLimit == 0 {
		t.DirectLimit = s.DirectLimit
	}
	return nil
}

var validate = validator.New()

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if err := cfg.AWSConfig.Validate(); err != nil {
		return err
	}
	if cfg.GuardConfig.Backend == "redis" && (cfg.RedisConfig == nil || cfg.RedisConfig.HOST == "") {
		return errors.New("redis guard backend requires redis.host")
	}
	return validateLimits(cfg.TransferConfig)
}

func validateLimits(t TransferConfig) error {
	switch {
	case t.PartSize < minPartSize:
		return fmt.Errorf("part_size %s is below the %s multipart minimum", t.PartSize, minPartSize)
	case t.PartSize > maxPartSize:
		return fmt.Errorf("part_size %s is above the %s multipart maximum", t.PartSize, maxPartSize)
	case t.DirectLimit < t.PartSize:
		return fmt.Errorf("direct_limit %s must not be smaller than part_size %s", t.DirectLimit, t.PartSize)
	case t.RejectLimit < t.DirectLimit:
		return fmt.Errorf("reject_limit %s must not be smaller than direct_limit %s", t.RejectLimit, t.DirectLimit)
	}

	parts := (t.RejectLimit + t.PartSize - 1) / t.PartSize
	if parts > maxParts {
		return fmt.Errorf("reject_limit %s needs %d parts of %s, multipart allows %d", t.RejectLimit, parts, t.PartSize, maxParts)
	}
	return nil
}

// QueueURL resolves a configured queue name to its URL. Values that are
// already URLs pass through untouched.
func (c Config) QueueURL(name string) string {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name
	}
	if c.AWSConfig.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.AWSConfig.Endpoint, "/"), c.AWSConfig.AccountID, name)
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", c.AWSConfig.Region, c.AWSConfig.AccountID, name)
}
