package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, 4, cfg.Monitor.Concurrency)
	assert.Equal(t, 168*time.Hour, cfg.Invitations.TTL)
	assert.Equal(t, "log", cfg.Email.Provider)
	assert.Empty(t, cfg.ESign.BaseURL)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("monitor:\n  concurrency: 9\nwebhooks:\n  - id: audit\n    url: https://hooks.example/x\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Monitor.Concurrency)
	assert.Equal(t, 20*time.Second, cfg.Monitor.TaskTimeout)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "audit", cfg.Webhooks[0].ID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad provider":      "email:\n  provider: smtp\n",
		"http no endpoint":  "email:\n  provider: http\n",
		"zero concurrency":  "monitor:\n  concurrency: 0\n",
		"job below task":    "monitor:\n  task_timeout: 1m\n  job_timeout: 30s\n",
		"nats no subject":   "nats:\n  url: nats://localhost:4222\n  monitor_subject: \"\"\n",
		"webhook bad url":   "webhooks:\n  - id: a\n    url: ftp://x\n",
		"duplicate webhook": "webhooks:\n  - id: a\n    url: http://x\n  - id: a\n    url: http://y\n",
		"unknown level":     "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pledgeline.yml"), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
