// Package config provides server configuration for statemesh-server.
//
// This package defines the server configuration structure and validation:
//
//   - spec.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation (address formats, ranges, path creation)
//   - sanitize.go: Log sanitization (hide sensitive values)
//   - cluster.go: Mapping onto clusterserver.Config and the wire codec
//
// Configuration is loaded via internal/infra/confloader and supports
// multiple sources: files, environment variables, and flags.
package config
