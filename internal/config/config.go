// Package config defines the dispatcher's configuration surface. Everything
// tunable lives here and is passed explicitly to the components that need it;
// no component reads the environment on its own.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "65s"
// as well as plain nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// Config represents the top-level configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	Reputation ReputationConfig `yaml:"reputation"`
	Staging    StagingConfig    `yaml:"staging"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Credential CredentialConfig `yaml:"credentials"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
}

// ReputationConfig configures the external reputation service client.
type ReputationConfig struct {
	// BaseURL is the root of the reputation API, e.g. https://host/api/v3.
	BaseURL string `yaml:"base_url"`

	// LookupTimeout bounds a single hash lookup call.
	LookupTimeout Duration `yaml:"lookup_timeout"`

	// UploadTimeout bounds a single file upload call.
	UploadTimeout Duration `yaml:"upload_timeout"`

	// MaxFileSize is the largest file the service accepts; bigger files are
	// rejected locally without consuming a request.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// StagingConfig configures the staging upload endpoint the dispatcher pushes
// batches to before enqueueing tasks, and the directory this process serves
// for inbound staged files.
type StagingConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
	Dir     string   `yaml:"dir"`
}

// DispatchConfig configures batch partitioning and pacing.
type DispatchConfig struct {
	// BatchSizeCeiling caps the aggregate byte size of one staged batch.
	BatchSizeCeiling int64 `yaml:"batch_size_ceiling"`

	// PacingDelay is the wait between successive batch submissions to the
	// staging endpoint. Independent of per-credential rate limiting.
	PacingDelay Duration `yaml:"pacing_delay"`

	// Workers bounds how many tasks execute concurrently.
	Workers int64 `yaml:"workers"`
}

// ExecutorConfig configures per-task retry behavior.
type ExecutorConfig struct {
	// BackoffBase is the initial wait after a transient-unauthorized
	// response; it doubles on each repeat.
	BackoffBase Duration `yaml:"backoff_base"`

	// MaxAuthAttempts is how many consecutive transient-unauthorized
	// responses one credential absorbs within a task before it is banned.
	MaxAuthAttempts int `yaml:"max_auth_attempts"`
}

// CredentialConfig configures pool behavior.
type CredentialConfig struct {
	// Cooldown is how long a rate-limited credential stays unselectable.
	Cooldown Duration `yaml:"cooldown"`
}

// Default returns a Config populated with the reference policy values.
// Callers override what they need and pass the result down explicitly.
func Default() Config {
	return Config{
		API: APIConfig{Host: "0.0.0.0", Port: "8080"},
		Database: DatabaseConfig{
			MinConns: 5,
			MaxConns: 20,
		},
		Reputation: ReputationConfig{
			LookupTimeout: Duration(30 * time.Second),
			UploadTimeout: Duration(120 * time.Second),
			MaxFileSize:   32 << 20,
		},
		Staging: StagingConfig{
			Timeout: Duration(60 * time.Second),
			Dir:     "/var/lib/verdict/staging",
		},
		Dispatch: DispatchConfig{
			BatchSizeCeiling: 250 << 20,
			PacingDelay:      Duration(65 * time.Second),
			Workers:          8,
		},
		Executor: ExecutorConfig{
			BackoffBase:     Duration(5 * time.Second),
			MaxAuthAttempts: 3,
		},
		Credential: CredentialConfig{
			Cooldown: Duration(24 * time.Hour),
		},
	}
}
