// Package config loads relay settings from defaults, BTR_* environment
// variables, and an optional YAML file, then validates the result before any
// component starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full relay configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Shaper    ShaperConfig    `mapstructure:"shaper"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig controls the control API server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RecorderConfig addresses the downstream UDP recorder.
type RecorderConfig struct {
	Addr string `mapstructure:"addr"`
}

// ShaperConfig controls packet fragmentation.
type ShaperConfig struct {
	// ByteCap is the datagram payload ceiling; sized to clear a conservative
	// UDP MTU with headroom.
	ByteCap         int  `mapstructure:"byte_cap"`
	SplitterEnabled bool `mapstructure:"splitter_enabled"`
}

// TelemetryConfig controls the SSE monitoring hub.
type TelemetryConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// AuthConfig controls control-surface authentication.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Algorithm    string `mapstructure:"algorithm"`
	SecretKey    string `mapstructure:"secret_key"`
	PublicKeyPEM string `mapstructure:"public_key_pem"`
}

// AuditConfig controls the stream operation audit trail.
type AuditConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load builds the configuration: defaults, then BTR_* environment overrides,
// then the YAML file at path when one is given. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("btr")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("recorder.addr", "127.0.0.1:9870")

	v.SetDefault("shaper.byte_cap", 1200)
	v.SetDefault("shaper.splitter_enabled", true)

	v.SetDefault("telemetry.buffer_size", 64)
	v.SetDefault("telemetry.heartbeat_interval", 15*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.public_key_pem", "")

	v.SetDefault("audit.dir", "logs")
}
