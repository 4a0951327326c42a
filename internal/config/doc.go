// Package config provides configuration loading and validation for the signaling service.
// It handles YAML-based configuration with struct validation, covering the signaling
// server, media worker pool, cross-instance fanout and logging.
package config
