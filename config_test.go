package sqlcapture_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/sqlcapture"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := sqlcapture.DefaultConfig()
	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, 4, cfg.CoreWorkers)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, 2000, cfg.QueueCapacity)
	assert.Equal(t, 60*time.Second, cfg.KeepAlive)
	assert.Equal(t, 10000, cfg.MaxSQLLength)
	assert.Equal(t, 10, cfg.ResultListLimit)
	assert.Equal(t, 500, cfg.MaxValueLength)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg sqlcapture.Config)
		wantErr bool
	}{
		{
			name: "partial",
			yaml: "queue_capacity: 50\nkeep_alive: 2s\nenabled: false\nredact_keys: [password]\n",
			check: func(t *testing.T, cfg sqlcapture.Config) {
				assert.Equal(t, 50, cfg.QueueCapacity)
				assert.Equal(t, 2*time.Second, cfg.KeepAlive)
				assert.False(t, cfg.IsEnabled())
				assert.Equal(t, []string{"password"}, cfg.RedactKeys)
				assert.Equal(t, sqlcapture.DefaultMaxSQLLength, cfg.MaxSQLLength)
			},
		},
		{
			name: "empty document",
			yaml: "",
			check: func(t *testing.T, cfg sqlcapture.Config) {
				assert.Equal(t, sqlcapture.DefaultConfig(), cfg)
			},
		},
		{
			name: "core above max",
			yaml: "core_workers: 8\nmax_workers: 2\n",
			wantErr: true,
		},
		{name: "unknown key", yaml: "workers: 3\n", wantErr: true},
		{name: "negative", yaml: "max_sql_length: -1\n", wantErr: true},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := sqlcapture.LoadConfig(strings.NewReader(tc.yaml))
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, sqlcapture.Error.Has(err))
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "capture.yaml")
	require.NoError(t, os.WriteFile(path, []byte("result_list_limit: 3\n"), 0o600))

	cfg, err := sqlcapture.LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ResultListLimit)

	_, err = sqlcapture.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CAPTURE_QUEUE_CAPACITY", "77")
	t.Setenv("CAPTURE_SHUTDOWN_TIMEOUT", "250ms")
	t.Setenv("CAPTURE_ENABLED", "false")
	t.Setenv("CAPTURE_MAX_VALUE_LENGTH", " ")
	t.Setenv("CAPTURE_REDACT_KEYS", "password, token,")

	cfg, err := sqlcapture.ConfigFromEnv("capture", sqlcapture.Config{MaxValueLength: 9})
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.ShutdownTimeout)
	assert.False(t, cfg.IsEnabled())
	assert.Equal(t, 9, cfg.MaxValueLength)
	assert.Equal(t, []string{"password", "token"}, cfg.RedactKeys)

	t.Setenv("CAPTURE_CORE_WORKERS", "many")
	t.Setenv("CAPTURE_KEEP_ALIVE", "soon")
	_, err = sqlcapture.ConfigFromEnv("capture", sqlcapture.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core_workers")
	assert.Contains(t, err.Error(), "keep_alive")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := sqlcapture.New(sqlcapture.Config{QueueCapacity: -1})
	require.Error(t, err)
}
