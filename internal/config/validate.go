package config

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Byte cap bounds: small enough that a cap above the floor always fits at
// least one sample per fragment, large enough to stay under jumbo-frame
// territory nobody routes.
const (
	MinByteCap = 256
	MaxByteCap = 16384
)

// Validate enforces the configuration invariants.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateLog(cfg); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := validateServer(cfg); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := validateRecorder(cfg); err != nil {
		return fmt.Errorf("recorder validation failed: %w", err)
	}
	if err := validateShaper(cfg); err != nil {
		return fmt.Errorf("shaper validation failed: %w", err)
	}
	if err := validateTelemetry(cfg); err != nil {
		return fmt.Errorf("telemetry validation failed: %w", err)
	}
	if err := validateAuth(cfg); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := validateAudit(cfg); err != nil {
		return fmt.Errorf("audit validation failed: %w", err)
	}
	return nil
}

func validateLog(cfg *Config) error {
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", cfg.Server.ShutdownTimeout)
	}
	return nil
}

func validateRecorder(cfg *Config) error {
	if cfg.Recorder.Addr == "" {
		return fmt.Errorf("recorder address cannot be empty")
	}
	host, port, err := net.SplitHostPort(cfg.Recorder.Addr)
	if err != nil {
		return fmt.Errorf("recorder address %q is not host:port: %w", cfg.Recorder.Addr, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("recorder address %q must name both host and port", cfg.Recorder.Addr)
	}
	return nil
}

func validateShaper(cfg *Config) error {
	if cfg.Shaper.ByteCap < MinByteCap || cfg.Shaper.ByteCap > MaxByteCap {
		return fmt.Errorf("byte cap %d outside [%d, %d]", cfg.Shaper.ByteCap, MinByteCap, MaxByteCap)
	}
	return nil
}

func validateTelemetry(cfg *Config) error {
	if cfg.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("telemetry buffer size must be positive, got %d", cfg.Telemetry.BufferSize)
	}
	if cfg.Telemetry.HeartbeatInterval <= 0 {
		return fmt.Errorf("telemetry heartbeat interval must be positive, got %v", cfg.Telemetry.HeartbeatInterval)
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if !cfg.Auth.Enabled {
		return nil
	}
	switch cfg.Auth.Algorithm {
	case "HS256":
		if cfg.Auth.SecretKey == "" {
			return fmt.Errorf("HS256 requires auth.secret_key")
		}
	case "RS256":
		if cfg.Auth.PublicKeyPEM == "" {
			return fmt.Errorf("RS256 requires auth.public_key_pem")
		}
	default:
		return fmt.Errorf("unsupported auth algorithm %q", cfg.Auth.Algorithm)
	}
	return nil
}

func validateAudit(cfg *Config) error {
	if cfg.Audit.Dir == "" {
		return fmt.Errorf("audit directory cannot be empty")
	}
	return nil
}
