package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 3, cfg.MaxConcurrentWorkers)
	require.Equal(t, 300*time.Second, cfg.DefaultTimeout)
	require.Equal(t, "4g", cfg.WorkerMemoryLimit)
	require.Equal(t, "2", cfg.WorkerCPULimit)
	require.Equal(t, "ollama", cfg.DefaultAIAdapter)
	require.Equal(t, "llama3.2:1b", cfg.DefaultModel)
	require.Equal(t, RuntimeDod, cfg.ContainerRuntime)
	require.Equal(t, []string{"run", "stop", "rm", "logs", "inspect"}, cfg.AllowedDockerCommands)
	require.Equal(t, QueueFile, cfg.MessageQueueType)
	require.Equal(t, CredentialToken, cfg.GitCredentialType)
	require.False(t, cfg.GitSSHAgentEnabled)
	require.Equal(t, 7, cfg.StateRetentionDays)
	require.Equal(t, "develop", cfg.IntegrationBranch)
	require.Equal(t, 5000*time.Millisecond, cfg.AutoRefreshInterval)
}

func TestValidateIsPureAndIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	first := Validate(cfg)
	second := Validate(cfg)
	require.Equal(t, first, second)
	require.True(t, first.Valid)
	require.Empty(t, first.Errors)
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero workers", func(c *Config) { c.MaxConcurrentWorkers = 0 }},
		{"negative timeout", func(c *Config) { c.DefaultTimeout = -1 }},
		{"empty memory limit", func(c *Config) { c.WorkerMemoryLimit = "" }},
		{"unknown runtime", func(c *Config) { c.ContainerRuntime = "podman" }},
		{"empty docker commands", func(c *Config) { c.AllowedDockerCommands = nil }},
		{"unknown queue type", func(c *Config) { c.MessageQueueType = "kafka" }},
		{"unknown credential type", func(c *Config) { c.GitCredentialType = "password" }},
		{"negative retention", func(c *Config) { c.StateRetentionDays = -1 }},
		{"empty integration branch", func(c *Config) { c.IntegrationBranch = "" }},
		{"zero refresh interval", func(c *Config) { c.AutoRefreshInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			result := Validate(cfg)
			require.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
		})
	}
}

func TestValidateWarnsOnDindAndSSHAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContainerRuntime = RuntimeDind
	cfg.GitSSHAgentEnabled = true

	result := Validate(cfg)
	require.True(t, result.Valid, "dind and ssh-agent are warnings, not errors")
	require.Len(t, result.Warnings, 2)
}

func TestManagerApplyRejectsInvalidAndKeepsCurrent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	before := m.Current()

	bad := DefaultConfig()
	bad.MaxConcurrentWorkers = -1
	_, err := m.Apply(bad)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.False(t, verr.Result.Valid)

	after := m.Current()
	require.Equal(t, before, after, "an invalid Apply must leave the current config unchanged")
}

func TestManagerApplyAcceptsValid(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))

	good := DefaultConfig()
	good.MaxConcurrentWorkers = 10
	result, err := m.Apply(good)
	require.NoError(t, err)
	require.True(t, result.Valid)

	require.Equal(t, 10, m.Current().MaxConcurrentWorkers)
}

func TestManagerLoadMissingFileReturnsDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, m.Load())
	require.Equal(t, DefaultConfig(), m.Current())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.MaxConcurrentWorkers = 8
	cfg.DefaultModel = "qwen2.5-coder:7b"
	cfg.ContainerRuntime = RuntimeRootless

	require.NoError(t, cfg.SaveToFile(path))
	require.FileExists(t, path)

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadFromFilePartialOverlaysDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := "maxConcurrentWorkers: 20\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.MaxConcurrentWorkers)
	require.Equal(t, DefaultConfig().DefaultModel, cfg.DefaultModel, "unset fields keep their default")
}
