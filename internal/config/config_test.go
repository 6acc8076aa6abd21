package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	home := t.TempDir()
	path := write(t, `
home: `+home+`
relay:
  url: http://relay.example:9090
credentials:
  backend: memory
sync:
  concurrency: 5
recovery:
  timeout: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://relay.example:9090", cfg.Relay.URL)
	assert.Equal(t, "localhost:9090", cfg.Relay.Listen, "defaults survive")
	assert.Equal(t, BackendMemory, cfg.Credentials.Backend)
	assert.Equal(t, 5, cfg.Sync.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Recovery.Timeout)
	assert.Equal(t, filepath.Join(home, "index.db"), cfg.Index.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	path := write(t, "home: /tmp/convlog\nlog:\n  level: warn\n")
	t.Setenv("CONVLOG_LOG_LEVEL", "debug")
	t.Setenv("CONVLOG_SYNC_CONCURRENCY", "7")
	t.Setenv("CONVLOG_RECOVERY_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Sync.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Recovery.Timeout)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "home: /tmp/x\nrelay:\n  adress: nope\n",
		"bad backend":     "home: /tmp/x\ncredentials:\n  backend: keychain\n",
		"zero concurency": "home: /tmp/x\nsync:\n  concurrency: 0\n",
		"bad duration":    "home: /tmp/x\nrecovery:\n  timeout: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, body))
			assert.Error(t, err)
		})
	}

	t.Setenv("CONVLOG_SYNC_CONCURRENCY", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestEmptyFile(t *testing.T) {
	t.Setenv("CONVLOG_HOME", t.TempDir())
	cfg, err := Load(write(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Relay, cfg.Relay)
}
