package env

import "os"

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// Hostname prefers NODE_NAME (set by the orchestrator) over the kernel hostname.
func Hostname() string {
	if name := os.Getenv("NODE_NAME"); name != "" {
		return name
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "unknown-node"
}
