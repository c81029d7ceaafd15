package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the diagnostics engine.
type Config struct {
	Port    int
	Version string

	Catalog   CatalogConfig
	Slots     SlotsConfig
	Executor  ExecutorConfig
	Sessions  SessionsConfig
	Telemetry TelemetryConfig
}

type CatalogConfig struct {
	// KnowledgePath is the scenario knowledge document (markdown).
	KnowledgePath string
	// BackendsPath is the YAML backend topology file.
	BackendsPath string
	// DefaultBackend receives templates that declare no backend.
	DefaultBackend string
}

type SlotsConfig struct {
	// DominanceMargin is the score gap a top candidate needs over the
	// runner-up before the extractor auto-binds instead of clarifying.
	DominanceMargin float64
	// MaxClarifyTurns bounds how many turns a slot may stay in
	// clarification before the extractor reports it unfillable.
	MaxClarifyTurns int
}

type ExecutorConfig struct {
	// RowCap truncates any result table beyond this many data rows.
	RowCap int
	// DispatchTimeout bounds each backend dispatch; a timeout is a
	// failure eligible for fallback.
	DispatchTimeout time.Duration
	// Denylist overrides the built-in mutating command prefixes when set.
	Denylist []string
}

type SessionsConfig struct {
	// Store selects the session store: "memory" or "sqlite".
	Store string
	// SQLitePath is the database file when Store is "sqlite".
	SQLitePath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("DIAGNOSTIQ_PORT", 8080),
		Version: envStr("DIAGNOSTIQ_VERSION", "0.2.0"),
		Catalog: CatalogConfig{
			KnowledgePath:  envStr("DIAGNOSTIQ_KNOWLEDGE_PATH", "instructions.md"),
			BackendsPath:   envStr("DIAGNOSTIQ_BACKENDS_PATH", "backends.yaml"),
			DefaultBackend: envStr("DIAGNOSTIQ_DEFAULT_BACKEND", "realtime"),
		},
		Slots: SlotsConfig{
			DominanceMargin: envFloat("SLOT_DOMINANCE_MARGIN", 2),
			MaxClarifyTurns: envInt("SLOT_MAX_CLARIFY_TURNS", 3),
		},
		Executor: ExecutorConfig{
			RowCap:          envInt("EXECUTOR_ROW_CAP", 50),
			DispatchTimeout: envDuration("EXECUTOR_DISPATCH_TIMEOUT", 30*time.Second),
			Denylist:        envList("EXECUTOR_DENYLIST", nil),
		},
		Sessions: SessionsConfig{
			Store:      envStr("SESSIONS_STORE", "memory"),
			SQLitePath: envStr("SESSIONS_SQLITE_PATH", "sessions.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "diagnostiq-engine"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fallback
}
