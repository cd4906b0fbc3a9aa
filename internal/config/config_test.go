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

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 1024, cfg.Core.PersistChanSize)
	assert.Equal(t, int64(100_000), cfg.Core.SnapshotInterval)

	flush, err := cfg.FlushTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, flush)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	content := `
[postgres]
dsn = "postgres://test@db:5432/ledger"

[server]
http_addr = ":9000"

[persistence]
batch_size = 200
flush_timeout = "25ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://test@db:5432/ledger", cfg.Postgres.DSN)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 200, cfg.Persistence.BatchSize)
	// Untouched sections keep defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte("[nats]\nurl = \"nats://file:4222\"\n"), 0o600))

	t.Setenv("ULEND_NATS_URL", "nats://env:4222")
	t.Setenv("ULEND_PERSIST_BATCH_SIZE", "75")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 75, cfg.Persistence.BatchSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadDuration(t *testing.T) {
	t.Setenv("ULEND_PERSIST_FLUSH_TIMEOUT", "not-a-duration")

	_, err := Load("")
	assert.Error(t, err)
}
