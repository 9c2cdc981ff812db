// Package config assembles the process-wide Config from environment
// variables (authoritative), an optional local .env for development,
// and an optional TOML file supplying defaults for values a request
// may omit (C10, spec.md §6, SPEC_FULL.md §9).
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is everything the bootstrap needs to bind the server and
// construct the session registry.
type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Defaults DefaultsConfig
}

// ServerConfig is the HTTP bind address and timeouts.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Address returns the host:port pair for http.Server.Addr.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// EngineConfig is the session-engine-wide policy knobs.
type EngineConfig struct {
	LogLevel              string // debug|info|warn|error
	Mode                  string // prod|dev
	AuthToken             string // empty disables auth
	OllamaBaseURL         string
	HistoryDir            string
	MaxConcurrentSessions int
	MaxConcurrentLLMCalls int
	StopDrainTimeout      time.Duration
}

// ProdMode reports whether the engine was started in production mode
// (the default; "dev" is the only value that relaxes it).
func (e EngineConfig) ProdMode() bool {
	return e.Mode != "dev"
}

// DefaultsConfig holds values an optional TOML file may supply. None
// of these are read from the environment. Only ChunkDurationSecs,
// MaxQueueDepth and CompanionNaming reach sessions (via
// api.SessionDefaults); the prompt, output_dir and csv_export_path
// fields are parsed and merged here but are not applied to
// /start_session requests, which must carry those values themselves.
type DefaultsConfig struct {
	ChunkSummaryPrompt   string `toml:"chunk_summary_prompt"`
	FinalSummaryPrompt   string `toml:"final_summary_prompt"`
	DataExtractionPrompt string `toml:"data_extraction_prompt"`
	OutputDir            string `toml:"output_dir"`
	CSVExportPath        string `toml:"csv_export_path"`
	ChunkDurationSecs    float64 `toml:"chunk_duration_secs"`
	MaxQueueDepth        int     `toml:"max_queue_depth"`
	CompanionNaming      bool    `toml:"companion_naming"`
}

// tomlFile mirrors the [defaults] table of an optional config
// file; everything outside that table is ignored.
type tomlFile struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

const (
	defaultHost              = "127.0.0.1"
	defaultPort              = 8756
	defaultOllamaBaseURL     = "http://127.0.0.1:11434"
	defaultMaxConcurrent     = 1
	defaultMaxConcurrentLLM  = 2
	defaultStopDrainTimeout  = 120 * time.Second
	defaultChunkDurationSecs = 60.0
	defaultMaxQueueDepth     = 64
)

// Load builds a Config from, in ascending precedence: built-in
// defaults, an optional TOML file's [defaults] table, an optional
// .env file, then the process environment. A missing .env or TOML
// file is not an error — both are opportunistic.
func Load() (*Config, error) {
	// A missing .env is the common case in production and is not an
	// error; a malformed one that does exist is not worth failing
	// bootstrap over either, so this is best-effort.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         defaultHost,
			Port:         defaultPort,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			LogLevel:              "info",
			Mode:                  "prod",
			OllamaBaseURL:         defaultOllamaBaseURL,
			HistoryDir:            defaultHistoryDir(),
			MaxConcurrentSessions: defaultMaxConcurrent,
			MaxConcurrentLLMCalls: defaultMaxConcurrentLLM,
			StopDrainTimeout:      defaultStopDrainTimeout,
		},
		Defaults: DefaultsConfig{
			ChunkDurationSecs: defaultChunkDurationSecs,
			MaxQueueDepth:     defaultMaxQueueDepth,
		},
	}

	if path := tomlConfigPath(); path != "" {
		var file tomlFile
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		mergeDefaults(&cfg.Defaults, file.Defaults)
	}

	applyEnv(cfg)
	return cfg, nil
}

// tomlConfigPath returns the first candidate config file that exists,
// or "" if none does. Absence is not an error.
func tomlConfigPath() string {
	if p := os.Getenv("ENGINE_CONFIG_FILE"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".config", "meetingengine", "config.toml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func mergeDefaults(dst *DefaultsConfig, src DefaultsConfig) {
	if src.ChunkSummaryPrompt != "" {
		dst.ChunkSummaryPrompt = src.ChunkSummaryPrompt
	}
	if src.FinalSummaryPrompt != "" {
		dst.FinalSummaryPrompt = src.FinalSummaryPrompt
	}
	if src.DataExtractionPrompt != "" {
		dst.DataExtractionPrompt = src.DataExtractionPrompt
	}
	if src.OutputDir != "" {
		dst.OutputDir = src.OutputDir
	}
	if src.CSVExportPath != "" {
		dst.CSVExportPath = src.CSVExportPath
	}
	if src.ChunkDurationSecs > 0 {
		dst.ChunkDurationSecs = src.ChunkDurationSecs
	}
	if src.MaxQueueDepth > 0 {
		dst.MaxQueueDepth = src.MaxQueueDepth
	}
	if src.CompanionNaming {
		dst.CompanionNaming = true
	}
}

// applyEnv overrides cfg with any of the spec's environment variables
// that are set. Environment always wins over the TOML file and the
// built-in defaults.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ENGINE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ENGINE_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		cfg.Engine.LogLevel = v
	}
	if v := os.Getenv("ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("ENGINE_AUTH_TOKEN"); v != "" {
		cfg.Engine.AuthToken = v
	}
	if v := os.Getenv("ENGINE_OLLAMA_URL"); v != "" {
		cfg.Engine.OllamaBaseURL = v
	}
}

func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	if err != nil {
		return 0, err
	}
	return port, nil
}

// IsLoopback reports whether host resolves only to loopback addresses.
// Bootstrap uses this to enforce spec.md §6's "host MUST be loopback".
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func defaultHistoryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.meetingengine"
	}
	return filepath.Join(home, ".meetingengine")
}
