package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file,
	// conventionally at runtime/state/config.json's YAML sibling when a
	// project overrides the user-level defaults.
	ProjectConfigFile = "agentcompany.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/agentcompany"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader resolves a Config with layered precedence, the way the teacher's
// config.Loader does for Semspec: defaults, then user config, then project
// config, with each successfully loaded layer validated before use.
type Loader struct {
	logger *slog.Logger
}

// NewLoader returns a Loader that logs through logger (or slog.Default if
// nil).
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the effective Config: DefaultConfig, overridden by
// ~/.config/agentcompany/config.yaml if present, overridden again by
// ./agentcompany.yaml (or a parent directory's) if present. Every loaded
// layer is validated; an invalid layer is logged and skipped rather than
// aborting resolution, except for fatal errors from the final merged
// result.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	userPath := l.userConfigPath()
	if userPath != "" {
		if loaded, err := LoadFromFile(userPath); err == nil {
			if result := Validate(loaded); result.Valid {
				l.logger.Debug("loaded user config", slog.String("path", userPath))
				cfg = loaded
			} else {
				l.logger.Warn("user config invalid, ignoring", slog.String("path", userPath), slog.Any("errors", result.Errors))
			}
		} else if !os.IsNotExist(err) {
			l.logger.Warn("failed to load user config", slog.String("path", userPath), slog.String("error", err.Error()))
		}
	}

	if projectPath := l.findProjectConfig(); projectPath != "" {
		if loaded, err := LoadFromFile(projectPath); err == nil {
			if result := Validate(loaded); result.Valid {
				l.logger.Debug("loaded project config", slog.String("path", projectPath))
				cfg = loaded
			} else {
				l.logger.Warn("project config invalid, ignoring", slog.String("path", projectPath), slog.Any("errors", result.Errors))
			}
		} else {
			l.logger.Warn("failed to load project config", slog.String("path", projectPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no project config found")
	}

	if result := Validate(cfg); !result.Valid {
		return nil, &ValidationError{Result: result}
	}
	for _, w := range Validate(cfg).Warnings {
		l.logger.Warn("configuration warning", slog.String("warning", w))
	}
	return cfg, nil
}

// EnsureUserConfig writes the default config to the user config path if one
// does not already exist.
func (l *Loader) EnsureUserConfig() error {
	userPath := l.userConfigPath()
	if userPath == "" {
		return nil
	}
	if _, err := os.Stat(userPath); err == nil {
		return nil
	}

	cfg := DefaultConfig()
	if err := cfg.SaveToFile(userPath); err != nil {
		return err
	}
	l.logger.Info("created default user config", slog.String("path", userPath))
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for ProjectConfigFile in the current directory
// and its ancestors, the way the teacher's config.Loader finds
// semspec.yaml.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
