package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Lifecycle LifecycleConfig
	Inject    InjectConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	Dimensions int
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	// RecencyWeight scales the freshness adjustment added after fusion.
	RecencyWeight float64
	// SignalTimeout is a Go duration string bounding each search signal.
	SignalTimeout string
	// Limit is the default number of results returned by a search.
	Limit int
}

type LifecycleConfig struct {
	// PurgeAfterDays is the retention window for soft-deleted records.
	// Zero disables purging entirely.
	PurgeAfterDays int
	// StaleAfterDays purges records not accessed for this many days.
	// Zero (the default) disables stale purging.
	StaleAfterDays int
	// SweepSchedule is a cron expression for the retention sweep.
	// Empty runs a single sweep at startup only.
	SweepSchedule string
}

type InjectConfig struct {
	// Mode is one of "always", "first-run", "digest".
	Mode string
	// TTL is a Go duration string for digest-mode re-injection.
	TTL string
	// DefaultBudget is the character budget when no model rule matches.
	DefaultBudget int
	// Budgets maps model-identifier substrings to character budgets,
	// e.g. "claude=16000,gpt-4=12000". Rules are checked in order.
	Budgets string
}

type IngestConfig struct {
	// AutoEmbed queues an embedding job after every write.
	AutoEmbed bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			Dimensions: 768,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Retrieval: RetrievalConfig{
			RecencyWeight: 0.15,
			SignalTimeout: "3s",
			Limit:         5,
		},
		Lifecycle: LifecycleConfig{
			PurgeAfterDays: 30,
			StaleAfterDays: 0,
			SweepSchedule:  "@hourly",
		},
		Inject: InjectConfig{
			Mode:          "digest",
			TTL:           "10m",
			DefaultBudget: 8000,
		},
		Ingest: IngestConfig{
			AutoEmbed: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.shadowmem.app).
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/shadowmem/config.json.
//
// Environment variables (SHADOWMEM_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

const tokenEnvVar = "SHADOWMEM_API_TOKEN"

// APIToken returns the bearer token protecting the management API.
// The SHADOWMEM_API_TOKEN environment variable wins; otherwise the
// token is read from a file under the data directory, generated and
// persisted on first use.
func APIToken(dataDir string) (string, error) {
	if t := strings.TrimSpace(os.Getenv(tokenEnvVar)); t != "" {
		return t, nil
	}

	path := filepath.Join(dataDir, "api_token")
	if data, err := os.ReadFile(path); err == nil {
		if t := strings.TrimSpace(string(data)); t != "" {
			return t, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	return token, nil
}
