package config

// Config is the full configuration surface, consumed once at startup.
type Config struct {
	// GraphServer is the upstream Graph API host.
	GraphServer string `yaml:"graph_server"`

	// PublicHostname is the externally reachable hostname of the realtime
	// endpoint, used as the subscription callback host.
	PublicHostname string `yaml:"public_hostname"`

	// CacheEntries bounds the outer LRU.
	CacheEntries int `yaml:"cache_entries"`

	ProxyInterface    string `yaml:"proxy_interface"`
	ProxyPort         int    `yaml:"proxy_port"`
	RealtimeInterface string `yaml:"realtime_interface"`
	RealtimePort      int    `yaml:"realtime_port"`

	// MetricsAddress enables the Prometheus listener when non-empty.
	MetricsAddress string `yaml:"metrics_address"`

	Apps []AppConfig `yaml:"apps"`

	Logging LoggingConfig `yaml:"logging"`
}

// AppConfig is one registered application.
type AppConfig struct {
	AppID                string   `yaml:"app_id"`
	AppCred              string   `yaml:"app_cred"`
	AppSecret            string   `yaml:"app_secret"`
	WhitelistFields      []string `yaml:"whitelist_fields"`
	WhitelistConnections []string `yaml:"whitelist_connections"`
	BlacklistFields      []string `yaml:"blacklist_fields"`
	BlacklistConnections []string `yaml:"blacklist_connections"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sane defaults applied.
func DefaultConfig() *Config {
	return &Config{
		GraphServer:       "graph.facebook.com",
		CacheEntries:      10000,
		ProxyInterface:    "127.0.0.1",
		ProxyPort:         8080,
		RealtimeInterface: "0.0.0.0",
		RealtimePort:      8081,
		Logging:           LoggingConfig{Level: "info"},
	}
}
