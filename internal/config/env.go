package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over the config file but are
// overridden by command-line flags. HTTPS_PROXY is read at proxy
// resolution time, not here.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("M365_PROXY_TOKEN_FILE"); v != "" {
		cfg.TokenPath = v
	}
	if v := os.Getenv("M365_PROXY_QUEUE_DIR"); v != "" {
		cfg.QueueDir = v
	}
	return cfg
}
