package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MIGRATOR_AWS_DESTINATION_BUCKET", "cdn-primary")
	t.Setenv("MIGRATOR_GCS_SOURCE_BUCKET", "legacy-origin")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	tc := cfg.TransferConfig
	assert.Equal(t, "large", tc.Scenario)
	assert.Equal(t, 30*GiB, tc.RejectLimit)
	assert.Equal(t, 256*MiB, tc.DirectLimit)
	assert.Equal(t, 16*MiB, tc.PartSize)
	assert.Equal(t, 300*time.Second, tc.StaleTimeout)
	assert.Equal(t, 330*time.Second, tc.MonitorInterval)

	assert.Equal(t, "dynamodb", cfg.GuardConfig.Backend)
	assert.Zero(t, cfg.GuardConfig.TTL)
	assert.Equal(t, "cdn-primary", cfg.AWSConfig.DestinationBucket)
	assert.Equal(t, "legacy-origin", cfg.GCSConfig.SourceBucket)
}

func TestLoad_ScenarioAndOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MIGRATOR_TRANSFER_SCENARIO", "small")
	t.Setenv("MIGRATOR_TRANSFER_DIRECT_LIMIT", "32MiB")
	t.Setenv("MIGRATOR_TRANSFER_STALE_TIMEOUT", "2m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*MiB, cfg.TransferConfig.PartSize)
	assert.Equal(t, 32*MiB, cfg.TransferConfig.DirectLimit)
	assert.Equal(t, 2*time.Minute, cfg.TransferConfig.StaleTimeout)
}

func TestLoad_File(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "migrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transfer:
  scenario: huge
  reject_limit: 20GiB
guard:
  backend: redis
  ttl: 24h
redis:
  host: cache:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32*MiB, cfg.TransferConfig.PartSize)
	assert.Equal(t, 512*MiB, cfg.TransferConfig.DirectLimit)
	assert.Equal(t, 20*GiB, cfg.TransferConfig.RejectLimit)
	assert.Equal(t, "redis", cfg.GuardConfig.Backend)
	assert.Equal(t, 24*time.Hour, cfg.GuardConfig.TTL)
	assert.Equal(t, "cache:6379", cfg.RedisConfig.HOST)
}

func TestLoad_RejectsBadLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("MIGRATOR_TRANSFER_PART_SIZE", "1MiB")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multipart minimum")
}

func TestLoad_RequiresBuckets(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_UnknownScenario(t *testing.T) {
	setRequired(t)
	t.Setenv("MIGRATOR_TRANSFER_SCENARIO", "gigantic")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidateLimits(t *testing.T) {
	ok := TransferConfig{RejectLimit: 30 * GiB, DirectLimit: 256 * MiB, PartSize: 16 * MiB}
	require.NoError(t, validateLimits(ok))

	inverted := ok
	inverted.RejectLimit = 128 * MiB
	require.Error(t, validateLimits(inverted))

	tooManyParts := TransferConfig{RejectLimit: 100 * GiB, DirectLimit: 5 * MiB, PartSize: 5 * MiB}
	require.Error(t, validateLimits(tooManyParts))
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]ByteSize{
		"16MiB":   16 * MiB,
		"16m":     16 * MiB,
		"30GiB":   30 * GiB,
		"1024":    1024,
		"256 MiB": 256 * MiB,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseByteSize("lots")
	require.Error(t, err)
}

func TestQueueURL(t *testing.T) {
	cfg := Config{AWSConfig: &AWSConfig{Region: "eu-west-1", AccountID: "123456789012"}}
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123456789012/ChunkTasks.fifo", cfg.QueueURL("ChunkTasks.fifo"))
	assert.Equal(t, "http://q/1/x", cfg.QueueURL("http://q/1/x"))

	cfg.AWSConfig.Endpoint = "http://localhost:4566/"
	assert.Equal(t, "http://localhost:4566/123456789012/UriList", cfg.QueueURL("UriList"))
}
