// Package config loads the streamer's YAML configuration.
//
// Files may reference environment variables as ${VAR}. Load parses,
// LoadWithDefaults fills optional fields and LoadAndValidate also checks
// required ones.
package config
