// Package config implements SettingsManager (§4.9): the validated,
// persisted configuration surface covering worker concurrency, container
// runtime selection, the message queue backend, git credentials, and state
// retention.
//
// Kept in the teacher's config/loader shape (YAML via gopkg.in/yaml.v3,
// layered Load over DefaultConfig, SaveToFile/LoadFromFile), generalized
// from Semspec's ModelConfig/RepoConfig/NATSConfig/ToolsConfig fields to the
// full AgentCompany settings schema. Validate is a pure, idempotent function
// returning a structured result rather than a bare error, and Manager adds
// the apply-or-reject semantics §4.9 requires: an invalid Config never
// replaces the one already in effect.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ContainerRuntime selects which ContainerRuntime backend workers run under.
type ContainerRuntime string

const (
	RuntimeDod      ContainerRuntime = "dod"
	RuntimeRootless ContainerRuntime = "rootless"
	RuntimeDind     ContainerRuntime = "dind"
)

// MessageQueueType selects the AgentBus transport backend.
type MessageQueueType string

const (
	QueueFile   MessageQueueType = "file"
	QueueSQLite MessageQueueType = "sqlite"
	QueueRedis  MessageQueueType = "redis"
)

// GitCredentialType selects how the vcs capability authenticates to a
// remote.
type GitCredentialType string

const (
	CredentialDeployKey GitCredentialType = "deploy_key"
	CredentialToken     GitCredentialType = "token"
	CredentialSSHAgent  GitCredentialType = "ssh_agent"
)

// Config is the complete AgentCompany settings schema (§4.9).
type Config struct {
	MaxConcurrentWorkers  int               `yaml:"maxConcurrentWorkers"`
	DefaultTimeout        time.Duration     `yaml:"defaultTimeout"`
	WorkerMemoryLimit     string            `yaml:"workerMemoryLimit"`
	WorkerCPULimit        string            `yaml:"workerCpuLimit"`
	DefaultAIAdapter      string            `yaml:"defaultAiAdapter"`
	DefaultModel          string            `yaml:"defaultModel"`
	ContainerRuntime      ContainerRuntime  `yaml:"containerRuntime"`
	AllowedDockerCommands []string          `yaml:"allowedDockerCommands"`
	MessageQueueType      MessageQueueType  `yaml:"messageQueueType"`
	GitCredentialType     GitCredentialType `yaml:"gitCredentialType"`
	GitSSHAgentEnabled    bool              `yaml:"gitSshAgentEnabled"`
	StateRetentionDays    int               `yaml:"stateRetentionDays"`
	IntegrationBranch     string            `yaml:"integrationBranch"`
	AutoRefreshInterval   time.Duration     `yaml:"autoRefreshInterval"`
}

// DefaultConfig returns the §4.9 default settings.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentWorkers:  3,
		DefaultTimeout:        300 * time.Second,
		WorkerMemoryLimit:     "4g",
		WorkerCPULimit:        "2",
		DefaultAIAdapter:      "ollama",
		DefaultModel:          "llama3.2:1b",
		ContainerRuntime:      RuntimeDod,
		AllowedDockerCommands: []string{"run", "stop", "rm", "logs", "inspect"},
		MessageQueueType:      QueueFile,
		GitCredentialType:     CredentialToken,
		GitSSHAgentEnabled:    false,
		StateRetentionDays:    7,
		IntegrationBranch:     "develop",
		AutoRefreshInterval:   5000 * time.Millisecond,
	}
}

// Clone returns an independent copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.AllowedDockerCommands = append([]string(nil), c.AllowedDockerCommands...)
	return &cp
}

// ValidationResult is the structured outcome of Validate: §8 property 6
// requires validate(cfg) to be pure and idempotent, returning errors and
// warnings rather than throwing on the first problem found.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ValidationError wraps a failing ValidationResult so Apply can return it as
// a normal error while still exposing the structured detail.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid configuration: %v", e.Result.Errors)
}

var validRuntimes = map[ContainerRuntime]bool{RuntimeDod: true, RuntimeRootless: true, RuntimeDind: true}
var validQueues = map[MessageQueueType]bool{QueueFile: true, QueueSQLite: true, QueueRedis: true}
var validCredentials = map[GitCredentialType]bool{CredentialDeployKey: true, CredentialToken: true, CredentialSSHAgent: true}

// Validate checks cfg against the §4.9 constraints. It is a pure function:
// calling it twice on the same cfg produces the same ValidationResult, and
// it never mutates cfg.
func Validate(cfg *Config) ValidationResult {
	var result ValidationResult

	if cfg.MaxConcurrentWorkers <= 0 {
		result.Errors = append(result.Errors, "maxConcurrentWorkers must be positive")
	}
	if cfg.DefaultTimeout <= 0 {
		result.Errors = append(result.Errors, "defaultTimeout must be positive")
	}
	if cfg.WorkerMemoryLimit == "" {
		result.Errors = append(result.Errors, "workerMemoryLimit is required")
	}
	if cfg.WorkerCPULimit == "" {
		result.Errors = append(result.Errors, "workerCpuLimit is required")
	}
	if cfg.DefaultAIAdapter == "" {
		result.Errors = append(result.Errors, "defaultAiAdapter is required")
	}
	if cfg.DefaultModel == "" {
		result.Errors = append(result.Errors, "defaultModel is required")
	}
	if !validRuntimes[cfg.ContainerRuntime] {
		result.Errors = append(result.Errors, fmt.Sprintf("containerRuntime %q must be one of dod, rootless, dind", cfg.ContainerRuntime))
	} else if cfg.ContainerRuntime == RuntimeDind {
		result.Warnings = append(result.Warnings, "containerRuntime=dind runs Docker-in-Docker, which widens the worker's effective privileges")
	}
	if len(cfg.AllowedDockerCommands) == 0 {
		result.Errors = append(result.Errors, "allowedDockerCommands must not be empty")
	}
	if !validQueues[cfg.MessageQueueType] {
		result.Errors = append(result.Errors, fmt.Sprintf("messageQueueType %q must be one of file, sqlite, redis", cfg.MessageQueueType))
	}
	if !validCredentials[cfg.GitCredentialType] {
		result.Errors = append(result.Errors, fmt.Sprintf("gitCredentialType %q must be one of deploy_key, token, ssh_agent", cfg.GitCredentialType))
	}
	if cfg.GitSSHAgentEnabled {
		result.Warnings = append(result.Warnings, "gitSshAgentEnabled forwards the host's SSH agent socket into worker containers")
	}
	if cfg.StateRetentionDays < 0 {
		result.Errors = append(result.Errors, "stateRetentionDays must not be negative")
	}
	if cfg.IntegrationBranch == "" {
		result.Errors = append(result.Errors, "integrationBranch is required")
	}
	if cfg.AutoRefreshInterval <= 0 {
		result.Errors = append(result.Errors, "autoRefreshInterval must be positive")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// Manager holds the current effective Config under a single lock and
// enforces Apply's reject-on-invalid contract.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager returns a Manager seeded with DefaultConfig, persisting to path
// on Save.
func NewManager(path string) *Manager {
	return &Manager{cfg: DefaultConfig(), path: path}
}

// Current returns a copy of the in-effect configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Apply validates cfg and, only if valid, replaces the in-effect
// configuration. On an invalid cfg it returns *ValidationError and leaves
// the current configuration untouched.
func (m *Manager) Apply(cfg *Config) (ValidationResult, error) {
	result := Validate(cfg)
	if !result.Valid {
		return result, &ValidationError{Result: result}
	}

	m.mu.Lock()
	m.cfg = cfg.Clone()
	m.mu.Unlock()
	return result, nil
}

// Load reads path into the manager's current config. A missing file is not
// an error: the manager keeps (or falls back to) DefaultConfig, matching
// §8's "load(missing file) returns defaults" property.
func (m *Manager) Load() error {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.cfg = DefaultConfig()
			m.mu.Unlock()
			return nil
		}
		return err
	}
	if result := Validate(cfg); !result.Valid {
		return &ValidationError{Result: result}
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Save persists the current configuration to path.
func (m *Manager) Save() error {
	return m.Current().SaveToFile(m.path)
}

// LoadFromFile loads a Config from a YAML file, seeding unset fields from
// DefaultConfig first so a partial file still yields a complete Config.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// SaveToFile writes c to path as YAML, creating parent directories as
// needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create directory %q: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}
