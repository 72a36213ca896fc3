// Package config loads relay configuration from a YAML or JSON file, fills
// defaults and overlays RELAY_* environment variables before validation.
package config
