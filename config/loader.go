package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "rmachat.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/rmachat"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// UserDataDir is the default parent of the Badger state directory
	UserDataDir = ".local/share/rmachat"
)

// Environment variables applied over the file layers.
const (
	EnvIdentity = "RMACHAT_IDENTITY"
	EnvAPIURL   = "RMACHAT_API_URL"
	EnvAPIToken = "RMACHAT_API_TOKEN"
	EnvNATSURL  = "NATS_URL"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	file    string
	getenv  func(string) string
	homeDir func() (string, error)
	workDir func() (string, error)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFile adds an explicit config file, applied after the project config.
func WithFile(path string) LoaderOption {
	return func(l *Loader) { l.file = path }
}

// WithEnv replaces the environment lookup.
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *Loader) { l.getenv = getenv }
}

// WithDirs replaces the home and working directories.
func WithDirs(home, work string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = func() (string, error) { return home, nil }
		l.workDir = func() (string, error) { return work, nil }
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		logger:  logger,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/rmachat/config.yaml)
// 3. Project config (rmachat.yaml in current or parent directories)
// 4. Explicit config file (--config)
// 5. Environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if l.file != "" {
		fileConfig, err := LoadFromFile(l.file)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", l.file))
		config.Merge(fileConfig)
	}

	l.applyEnv(config)

	if config.Storage.Driver == DriverBadger && config.Storage.Path == "" {
		if home, err := l.homeDir(); err == nil && home != "" {
			config.Storage.Path = filepath.Join(home, UserDataDir)
			l.logger.Debug("Using default state directory", slog.String("path", config.Storage.Path))
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func (l *Loader) applyEnv(config *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvIdentity, &config.Identity.Username},
		{EnvAPIURL, &config.API.URL},
		{EnvAPIToken, &config.Identity.Token},
		{EnvNATSURL, &config.Broker.URL},
	}
	for _, o := range overrides {
		if v := l.getenv(o.name); v != "" {
			*o.target = v
			l.logger.Debug("Applied environment override", slog.String("var", o.name))
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for rmachat.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil || cwd == "" {
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
