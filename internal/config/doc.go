// Package config loads synthd configuration from YAML or JSON files, an
// optional .env file and SYNTHRAL_* environment overrides, then fills
// defaults and validates driver choices before any component is built.
package config
