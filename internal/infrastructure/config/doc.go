// Package config loads and validates Gatekeep Core configuration.
//
// Configuration comes from three layers, later layers overriding earlier ones:
// hardcoded defaults, a YAML file, and GATEKEEP_* environment variables.
// Secrets (JWT signing key, broker credentials, metrics tokens) should always
// come from the environment in production.
package config
