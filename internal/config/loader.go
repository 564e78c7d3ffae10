package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.GraphServer == "" {
		return fmt.Errorf("graph_server is required")
	}
	if cfg.CacheEntries < 1 {
		return fmt.Errorf("cache_entries must be >= 1, got %d", cfg.CacheEntries)
	}
	if err := validatePort("proxy_port", cfg.ProxyPort); err != nil {
		return err
	}
	if err := validatePort("realtime_port", cfg.RealtimePort); err != nil {
		return err
	}
	if cfg.ProxyInterface == cfg.RealtimeInterface && cfg.ProxyPort == cfg.RealtimePort {
		return fmt.Errorf("proxy and realtime listeners must not share an address")
	}

	appIDs := make(map[string]bool)
	needsCallback := false
	for i, app := range cfg.Apps {
		if app.AppID == "" {
			return fmt.Errorf("app %d: app_id is required", i)
		}
		if appIDs[app.AppID] {
			return fmt.Errorf("duplicate app_id: %s", app.AppID)
		}
		appIDs[app.AppID] = true

		if app.AppCred != "" || app.AppSecret != "" {
			needsCallback = true
		}
	}

	if needsCallback && cfg.PublicHostname == "" {
		return fmt.Errorf("public_hostname is required when an app has app_cred or app_secret")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
