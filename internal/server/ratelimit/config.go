package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Rule limits one route. Pattern segments match literally, "*" matches any
// single segment, and a trailing "/" matches any deeper path.
type Rule struct {
	Pattern string
	Method  string
	Limit   int           // Requests per window; 0 means unlimited
	Window  time.Duration // Time window
	Burst   int           // Burst capacity (defaults to Limit if 0)
}

// Config holds rate limiting configuration
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	IdleTTL         time.Duration
	Whitelist       map[string]bool
	Rules           []Rule
}

// LoadConfig loads rate limiting configuration from environment variables
func LoadConfig() *Config {
	if !getEnvBool("RATE_LIMIT_ENABLED", true) {
		return &Config{Enabled: false}
	}

	return &Config{
		Enabled:         true,
		DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
		DefaultWindow:   getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		IdleTTL:         time.Hour,
		Whitelist:       parseList(os.Getenv("RATE_LIMIT_WHITELIST")),
		Rules:           DefaultRules(),
	}
}

// DefaultRules limits the routes that invoke the model more strictly than
// plain reads and edits
func DefaultRules() []Rule {
	generation := func(pattern string) Rule {
		return Rule{Pattern: pattern, Method: "POST", Limit: 120, Window: time.Hour, Burst: 10}
	}
	return []Rule{
		{Pattern: "/health", Method: "GET"},
		{Pattern: "/ws", Method: "GET"},

		// Model calls
		generation("/tasks"),
		generation("/tasks/*/execute"),
		generation("/tasks/*/execute/stream"),
		generation("/tasks/*/stages/*/optimize"),
		generation("/tasks/*/stages/*/optimize/stream"),
		generation("/tasks/*/chapters/generate"),
		generation("/tasks/*/chapters/next"),
		generation("/tasks/*/chapters/continue"),
		generation("/tasks/*/chapters/*/optimize"),

		// Other writes
		{Pattern: "/tasks/", Method: "POST", Limit: 300, Window: time.Minute, Burst: 30},
		{Pattern: "/tasks/", Method: "PUT", Limit: 300, Window: time.Minute, Burst: 30},
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseList parses a comma-separated list into a set
func parseList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result[item] = true
		}
	}
	return result
}
