package config

import "strings"

// Environment identifies where the runtime operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EnvVar overrides the configured environment when set.
const EnvVar = "STRATEGY_RUNTIME_ENV"

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
