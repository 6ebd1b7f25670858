package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	TokenPath  string
	QueueDir   string
	LogFile    string
	LogLevel   string
	Bind       string
	SMTPPort   int
	POP3Port   int
	Debug      bool
	Quiet      bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&f.TokenPath, "token", "", "Path to encrypted token store")
	flag.StringVar(&f.QueueDir, "queue-dir", "", "Path to outbound queue directory")
	flag.StringVar(&f.LogFile, "log-file", "", "Path to log file")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Bind, "bind", "", "Bind address for listeners")
	flag.IntVar(&f.SMTPPort, "smtp-port", 0, "SMTP listener port")
	flag.IntVar(&f.POP3Port, "pop3-port", 0, "POP3 listener port")
	flag.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.Quiet, "quiet", false, "Log errors only")

	flag.Parse()
	return f
}

// DefaultConfigPath returns the configuration file path to use when none
// is given on the command line: the M365_PROXY_CONFIG_FILE environment
// variable if set, otherwise config.json under the user's gateway
// directory.
func DefaultConfigPath() string {
	if p := os.Getenv("M365_PROXY_CONFIG_FILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".m365gw", "config.json")
}

// Load parses a JSON configuration file over the defaults and returns the
// Config. Queue and token paths left empty in the file are derived from
// the config file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if cfg.QueueDir == "" {
		cfg.QueueDir = filepath.Join(dir, "queue")
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = filepath.Join(dir, "tokens.enc")
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f == nil {
		return cfg
	}

	if f.TokenPath != "" {
		cfg.TokenPath = f.TokenPath
	}

	if f.QueueDir != "" {
		cfg.QueueDir = f.QueueDir
	}

	if f.LogFile != "" {
		cfg.Logging.LogFile = f.LogFile
	}

	if f.LogLevel != "" {
		cfg.Logging.LogLevel = f.LogLevel
	}

	if f.Bind != "" {
		cfg.Bind = f.Bind
	}

	if f.SMTPPort > 0 {
		cfg.SMTPPort = f.SMTPPort
	}

	if f.POP3Port > 0 {
		cfg.POP3Port = f.POP3Port
	}

	// -quiet narrows logging to errors; -debug wins when both are given.
	if f.Quiet {
		cfg.Logging.LogLevel = "error"
	}

	if f.Debug {
		cfg.Logging.LogLevel = "debug"
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags (or
// the default location), applies environment and flag overrides, and
// validates the result.
func LoadWithFlags(f *Flags) (Config, error) {
	path := ""
	if f != nil {
		path = f.ConfigPath
	}
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}

	cfg = ApplyEnv(cfg)
	cfg = ApplyFlags(cfg, f)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
