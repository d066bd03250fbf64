// Package config loads, normalizes, and validates the TOML application
// configuration for the meterbox daemon and CLI.
package config
