package config

import "time"

// Config holds relay server and meeting node configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	// StoreBackend selects session/chat persistence: memory, sqlite, valkey.
	StoreBackend string `mapstructure:"store_backend" yaml:"store_backend"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	ValkeyAddr   string `mapstructure:"valkey_addr" yaml:"valkey_addr"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// SessionTTL bounds how long abandoned session metadata survives before
	// the relay sweep removes it.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	LogLevel   string   `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxMessageBytes:   1 << 20,
		StoreBackend:      "memory",
		DatabasePath:      "meshmeet.db",
		ValkeyAddr:        "127.0.0.1:6379",
		JWTIssuer:         "meshmeet",
		JWTAudience:       "meshmeet-relay",
		SessionTTL:        24 * time.Hour,
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		LogLevel:          "info",
	}
}
