package config

import "time"

// Environment variables read by corral
const (
	EnvConfig   = "CORRAL_CONFIG"
	EnvSocket   = "CORRAL_SOCKET"
	EnvLogLevel = "CORRAL_LOG_LEVEL"
	EnvLogDir   = "CORRAL_LOG_DIR"
)

// Environment defines the interface for environment variable access
type Environment interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	Has(key string) bool
}

// Environ lists the supervisor's environment as KEY=value pairs. It is
// what units with inherit_env start from.
type Environ func() []string
