package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trialmesh/chronicle/pkg/guard"
)

// Profile is a deployment-specific policy bundle: what payloads are
// admissible, how quickly batches anchor, where data lands. One profile is
// active per deployment, selected by code.
type Profile struct {
	Name               string        `yaml:"name" json:"name"`
	Code               string        `yaml:"code" json:"code"`
	SkewToleranceHours int           `yaml:"skew_tolerance_hours,omitempty" json:"skew_tolerance_hours,omitempty"`
	IdentitySalt       string        `yaml:"identity_salt,omitempty" json:"identity_salt,omitempty"`
	Guard              GuardConfig   `yaml:"guard" json:"guard"`
	Anchor             AnchorConfig  `yaml:"anchor" json:"anchor"`
	Storage            StorageConfig `yaml:"storage" json:"storage"`
	Export             ExportConfig  `yaml:"export" json:"export"`
}

// GuardConfig configures submission pre-validation. Schema takes an inline
// JSON Schema document; SchemaFile points at one on disk and is read only
// when Schema is empty.
type GuardConfig struct {
	Schema     string       `yaml:"schema,omitempty" json:"schema,omitempty"`
	SchemaFile string       `yaml:"schema_file,omitempty" json:"schema_file,omitempty"`
	Rules      []guard.Rule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// AnchorConfig tunes the anchoring schedules. Zero values fall back to the
// worker defaults.
type AnchorConfig struct {
	AuthorityURL       string `yaml:"authority_url,omitempty" json:"authority_url,omitempty"`
	SubmitIntervalSecs int    `yaml:"submit_interval_seconds,omitempty" json:"submit_interval_seconds,omitempty"`
	PollIntervalSecs   int    `yaml:"poll_interval_seconds,omitempty" json:"poll_interval_seconds,omitempty"`
	BatchLimit         int    `yaml:"batch_limit,omitempty" json:"batch_limit,omitempty"`
	RetryInitialSecs   int    `yaml:"retry_initial_seconds,omitempty" json:"retry_initial_seconds,omitempty"`
	RetryMaxSecs       int    `yaml:"retry_max_seconds,omitempty" json:"retry_max_seconds,omitempty"`
}

// StorageConfig selects the event store backend.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
}

// ExportConfig selects the evidence package destination.
type ExportConfig struct {
	Sink     string `yaml:"sink,omitempty" json:"sink,omitempty"` // "file" | "s3" | "gcs"
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// LoadProfile loads a profile YAML by deployment code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_eu.yaml -> eu
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// GuardSchema returns the schema document, reading SchemaFile when no
// inline schema is set. Empty result means no structural validation.
func (p *Profile) GuardSchema() (string, error) {
	if p.Guard.Schema != "" {
		return p.Guard.Schema, nil
	}
	if p.Guard.SchemaFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(p.Guard.SchemaFile)
	if err != nil {
		return "", fmt.Errorf("read guard schema %q: %w", p.Guard.SchemaFile, err)
	}
	return string(data), nil
}

// SkewTolerance converts the configured hours to a duration; zero means
// "use the ledger default".
func (p *Profile) SkewTolerance() time.Duration {
	if p.SkewToleranceHours <= 0 {
		return 0
	}
	return time.Duration(p.SkewToleranceHours) * time.Hour
}
