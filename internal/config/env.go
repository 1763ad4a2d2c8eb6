package config

import (
	"os"
	"strings"
)

// Env is a snapshot of process environment variables. Passing it explicitly
// keeps secret and platform resolution testable without touching os state.
type Env map[string]string

// OSEnv captures the current process environment.
func OSEnv() Env {
	env := make(Env)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Get returns the value of key, or "" when unset.
func (e Env) Get(key string) string {
	return e[key]
}

// Has reports whether key is set to a non-empty value.
func (e Env) Has(key string) bool {
	return e[key] != ""
}

// Development reports whether APP_ENV selects development mode. Anything else,
// including an unset APP_ENV, is treated as production.
func (e Env) Development() bool {
	switch strings.ToLower(e.Get("APP_ENV")) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// BuildPhase reports whether the process is running a build-only step where
// runtime secrets are not available.
func (e Env) BuildPhase() bool {
	return e.Get("NEXT_PHASE") == "phase-production-build" || e.Get("BUILD_PHASE") == "1"
}
