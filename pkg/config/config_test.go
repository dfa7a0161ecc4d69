package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialmesh/chronicle/pkg/config"
)

const euProfile = `name: EU Clinical
code: eu
skew_tolerance_hours: 12
identity_salt: "0123456789abcdef0123456789abcdef"
guard:
  schema: |
    {"type": "object", "required": ["sev"]}
  rules:
    - name: no-drafts
      expr: "!has(payload.draft) || payload.draft == false"
anchor:
  authority_url: "https://anchor.example.test"
  submit_interval_seconds: 120
  poll_interval_seconds: 45
  batch_limit: 500
storage:
  sqlite_path: "/var/lib/chronicle/eu.db"
export:
  sink: s3
  bucket: chronicle-eu-exports
  region: eu-central-1
  prefix: "site-3/"
`

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"CHRONICLE_PORT", "CHRONICLE_LOG_LEVEL", "DATABASE_URL",
		"CHRONICLE_SQLITE_PATH", "CHRONICLE_REDIS_ADDR", "CHRONICLE_JWT_SECRET",
		"CHRONICLE_IDENTITY_SALT", "CHRONICLE_AUTHORITY_URL", "CHRONICLE_PROFILES_DIR",
		"CHRONICLE_PROFILE", "CHRONICLE_OTLP_ENDPOINT", "CHRONICLE_TRACING_ENABLED",
		"CHRONICLE_TRACE_SAMPLE_RATE",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg := config.Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "chronicle.db", cfg.SQLitePath)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, 1.0, cfg.TraceSampleRate)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHRONICLE_PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://chronicle@localhost/chronicle")
	t.Setenv("CHRONICLE_REDIS_ADDR", "localhost:6379")
	t.Setenv("CHRONICLE_TRACING_ENABLED", "true")
	t.Setenv("CHRONICLE_TRACE_SAMPLE_RATE", "0.25")

	cfg := config.Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "postgres://chronicle@localhost/chronicle", cfg.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 0.25, cfg.TraceSampleRate)
}

func TestLoadIgnoresBadSampleRate(t *testing.T) {
	t.Setenv("CHRONICLE_TRACE_SAMPLE_RATE", "not-a-number")
	assert.Equal(t, 1.0, config.Load().TraceSampleRate)

	t.Setenv("CHRONICLE_TRACE_SAMPLE_RATE", "7.5")
	assert.Equal(t, 1.0, config.Load().TraceSampleRate)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "eu", euProfile)

	p, err := config.LoadProfile(dir, "EU")
	require.NoError(t, err)

	assert.Equal(t, "EU Clinical", p.Name)
	assert.Equal(t, "eu", p.Code)
	assert.Equal(t, 12*time.Hour, p.SkewTolerance())
	assert.Equal(t, "0123456789abcdef0123456789abcdef", p.IdentitySalt)

	schema, err := p.GuardSchema()
	require.NoError(t, err)
	assert.Contains(t, schema, `"required"`)

	require.Len(t, p.Guard.Rules, 1)
	assert.Equal(t, "no-drafts", p.Guard.Rules[0].Name)

	assert.Equal(t, "https://anchor.example.test", p.Anchor.AuthorityURL)
	assert.Equal(t, 120, p.Anchor.SubmitIntervalSecs)
	assert.Equal(t, 500, p.Anchor.BatchLimit)

	assert.Equal(t, "s3", p.Export.Sink)
	assert.Equal(t, "chronicle-eu-exports", p.Export.Bucket)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadProfileBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", "anchor: [not: a: mapping")
	_, err := config.LoadProfile(dir, "bad")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "eu", euProfile)
	writeProfile(t, dir, "us", "name: US Clinical\n")

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "EU Clinical", profiles["eu"].Name)
	// Code falls back to the filename when the document omits it.
	assert.Equal(t, "us", profiles["us"].Code)
}

func TestGuardSchemaFromFile(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "payload.schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{"type":"object"}`), 0o644))

	p := &config.Profile{}
	p.Guard.SchemaFile = schemaPath
	schema, err := p.GuardSchema()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"object"}`, schema)

	p.Guard.SchemaFile = filepath.Join(dir, "missing.json")
	_, err = p.GuardSchema()
	assert.Error(t, err)
}

func TestSkewToleranceZeroMeansDefault(t *testing.T) {
	p := &config.Profile{}
	assert.Equal(t, time.Duration(0), p.SkewTolerance())
}

func TestApplyProfile(t *testing.T) {
	t.Setenv("CHRONICLE_IDENTITY_SALT", "")
	require.NoError(t, os.Unsetenv("CHRONICLE_IDENTITY_SALT"))
	t.Setenv("DATABASE_URL", "postgres://env-wins@localhost/chronicle")

	cfg := config.Load()
	p := &config.Profile{
		IdentitySalt: "profile-salt-0123456789abcdef00",
		Storage: config.StorageConfig{
			DatabaseURL: "postgres://profile@localhost/chronicle",
			SQLitePath:  "/var/lib/chronicle/profile.db",
		},
		Anchor: config.AnchorConfig{AuthorityURL: "https://anchor.example.test"},
	}
	cfg.ApplyProfile(p)

	// Environment keeps precedence; profile fills the gaps.
	assert.Equal(t, "postgres://env-wins@localhost/chronicle", cfg.DatabaseURL)
	assert.Equal(t, "profile-salt-0123456789abcdef00", cfg.IdentitySalt)
	assert.Equal(t, "/var/lib/chronicle/profile.db", cfg.SQLitePath)
	assert.Equal(t, "https://anchor.example.test", cfg.AuthorityURL)
}
