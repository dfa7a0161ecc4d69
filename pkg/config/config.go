// Package config loads deployment configuration from CHRONICLE_* environment
// variables and from per-deployment YAML profiles. Environment values win over
// profile values so operators can override a shipped profile per machine.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the postgres backend when set; otherwise events
	// land in the SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr enables the shared anchor deduper; empty keeps it in-process.
	RedisAddr string

	JWTSecret    string
	IdentitySalt string

	// AuthorityURL is the external timestamp authority endpoint; empty
	// disables anchoring (events stay usable, proofs stay pending).
	AuthorityURL string

	ProfilesDir string
	Profile     string

	OTLPEndpoint    string
	TracingEnabled  bool
	TraceSampleRate float64
}

// Load reads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("CHRONICLE_PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("CHRONICLE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("CHRONICLE_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "chronicle.db"
	}

	profilesDir := os.Getenv("CHRONICLE_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	otlpEndpoint := os.Getenv("CHRONICLE_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	sampleRate := 1.0
	if raw := os.Getenv("CHRONICLE_TRACE_SAMPLE_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
			sampleRate = v
		}
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      sqlitePath,
		RedisAddr:       os.Getenv("CHRONICLE_REDIS_ADDR"),
		JWTSecret:       os.Getenv("CHRONICLE_JWT_SECRET"),
		IdentitySalt:    os.Getenv("CHRONICLE_IDENTITY_SALT"),
		AuthorityURL:    os.Getenv("CHRONICLE_AUTHORITY_URL"),
		ProfilesDir:     profilesDir,
		Profile:         os.Getenv("CHRONICLE_PROFILE"),
		OTLPEndpoint:    otlpEndpoint,
		TracingEnabled:  os.Getenv("CHRONICLE_TRACING_ENABLED") == "true",
		TraceSampleRate: sampleRate,
	}
}

// ApplyProfile fills Config fields the environment left empty from a loaded
// profile. Environment values always win.
func (c *Config) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = p.Storage.DatabaseURL
	}
	if c.SQLitePath == "chronicle.db" && p.Storage.SQLitePath != "" {
		c.SQLitePath = p.Storage.SQLitePath
	}
	if c.IdentitySalt == "" {
		c.IdentitySalt = p.IdentitySalt
	}
	if c.AuthorityURL == "" {
		c.AuthorityURL = p.Anchor.AuthorityURL
	}
}
