package config

import "github.com/yndnr/statemesh-go/internal/telemetry/logger"

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for logging configuration without exposing secrets.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg

	if sanitized.Security.ClusterKey != "" {
		sanitized.Security.ClusterKey = logger.Mask(sanitized.Security.ClusterKey)
	}

	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = logger.Mask(sanitized.Redis.Password)
	}

	return &sanitized
}
