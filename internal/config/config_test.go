package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5, cfg.Session.DriftSlack)
	assert.Equal(t, 256, cfg.Session.OutboundQueue)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.CreateMissing)
	assert.Equal(t, "memory", cfg.Metadata.Backend)
	assert.True(t, cfg.Auth.AllowAnonymous)
	assert.True(t, cfg.Storage.Breaker.Enabled)
	assert.Empty(t, cfg.Redis.Address)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabpad.yaml")
	yaml := `
server:
  addr: 0.0.0.0:9000
session:
  drift_slack: 8
storage:
  backend: s3
  s3:
    bucket: user-files
    region: eu-west-1
metadata:
  backend: mongo
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("COLLABPAD_SESSION_DRIFT_SLACK", "3")
	t.Setenv("COLLABPAD_REDIS_ADDRESS", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Session.DriftSlack)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "user-files", cfg.Storage.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.Equal(t, "mongo", cfg.Metadata.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Storage.Backend = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "unsupported storage backend")

	cfg = base()
	cfg.Storage.Backend = "s3"
	assert.ErrorContains(t, cfg.Validate(), "bucket is required")

	cfg = base()
	cfg.Metadata.Backend = "sqlite"
	assert.ErrorContains(t, cfg.Validate(), "unsupported metadata backend")

	cfg = base()
	cfg.Auth.AllowAnonymous = false
	assert.ErrorContains(t, cfg.Validate(), "auth.secret is required")

	cfg = base()
	cfg.Session.DriftSlack = -1
	assert.Error(t, cfg.Validate())
}
