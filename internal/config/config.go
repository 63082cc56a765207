package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigFile       = "INGESTOR_CONFIG"
	EnvStorageDriver    = "INGESTOR_STORAGE_DRIVER"
	EnvStoragePath      = "INGESTOR_STORAGE_PATH"
	EnvStorageDSN       = "INGESTOR_STORAGE_DSN"
	EnvEmbedderProvider = "INGESTOR_EMBEDDER_PROVIDER"
	EnvEmbedderModel    = "INGESTOR_EMBEDDER_MODEL"
	EnvEmbedderAPIKey   = "INGESTOR_EMBEDDER_API_KEY"
	EnvEmbedderBaseURL  = "INGESTOR_EMBEDDER_BASE_URL"
	EnvWorkers          = "INGESTOR_WORKERS"
	EnvLogLevel         = "INGESTOR_LOG_LEVEL"
	EnvLogFormat        = "INGESTOR_LOG_FORMAT"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Source types
const (
	SourceHTTP       = "http"
	SourceFilesystem = "filesystem"
)

// Config is the root application configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage" toml:"storage" json:"storage"`
	Embedder EmbedderConfig `yaml:"embedder" toml:"embedder" json:"embedder"`
	Indexer  IndexerConfig  `yaml:"indexer" toml:"indexer" json:"indexer"`
	Chunker  ChunkerConfig  `yaml:"chunker" toml:"chunker" json:"chunker"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" json:"logging"`
	Sources  []SourceConfig `yaml:"sources" toml:"sources" json:"sources"`
}

// StorageConfig selects where fingerprints and chunk vectors live. SQLite
// keeps both in one file; postgres pairs the fingerprint tables with a
// pgvector index.
type StorageConfig struct {
	Driver     string `yaml:"driver" toml:"driver" json:"driver"`
	Path       string `yaml:"path" toml:"path" json:"path"`
	DSN        string `yaml:"dsn" toml:"dsn" json:"dsn"`
	ChunkTable string `yaml:"chunk_table" toml:"chunk_table" json:"chunk_table"`
}

type EmbedderConfig struct {
	Provider  string   `yaml:"provider" toml:"provider" json:"provider"`
	Model     string   `yaml:"model" toml:"model" json:"model"`
	APIKey    string   `yaml:"api_key" toml:"api_key" json:"api_key"`
	BaseURL   string   `yaml:"base_url" toml:"base_url" json:"base_url"`
	Dimension int      `yaml:"dimension" toml:"dimension" json:"dimension"`
	CacheSize int      `yaml:"cache_size" toml:"cache_size" json:"cache_size"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
	Timeout   Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

type IndexerConfig struct {
	Workers            int         `yaml:"workers" toml:"workers" json:"workers"`
	ApplyTimeout       Duration    `yaml:"apply_timeout" toml:"apply_timeout" json:"apply_timeout"`
	MaxConflictRetries int         `yaml:"max_conflict_retries" toml:"max_conflict_retries" json:"max_conflict_retries"`
	Retry              RetryConfig `yaml:"retry" toml:"retry" json:"retry"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay" json:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
}

type ChunkerConfig struct {
	MaxRunes       int  `yaml:"max_runes" toml:"max_runes" json:"max_runes"`
	OmitBreadcrumb bool `yaml:"omit_breadcrumb" toml:"omit_breadcrumb" json:"omit_breadcrumb"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// SourceConfig describes one document source. HTTP sources use the seed and
// crawl fields; filesystem sources use Root and Extensions.
type SourceConfig struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Type string `yaml:"type" toml:"type" json:"type"`

	Seeds             []string `yaml:"seeds" toml:"seeds" json:"seeds"`
	SeedsFile         string   `yaml:"seeds_file" toml:"seeds_file" json:"seeds_file"`
	MaxDepth          int      `yaml:"max_depth" toml:"max_depth" json:"max_depth"`
	RateLimit         float64  `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	AllowedExtensions []string `yaml:"allowed_extensions" toml:"allowed_extensions" json:"allowed_extensions"`
	IgnorePatterns    []string `yaml:"ignore_patterns" toml:"ignore_patterns" json:"ignore_patterns"`
	UserAgent         string   `yaml:"user_agent" toml:"user_agent" json:"user_agent"`
	CacheDir          string   `yaml:"cache_dir" toml:"cache_dir" json:"cache_dir"`
	Timeout           Duration `yaml:"timeout" toml:"timeout" json:"timeout"`

	Root       string   `yaml:"root" toml:"root" json:"root"`
	Extensions []string `yaml:"extensions" toml:"extensions" json:"extensions"`
}

// Source returns the source with the given name
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Load reads a config file. An empty path searches the default locations and
// falls back to defaults when none exists. The returned string is the file
// that was read, if any. Environment overrides are applied last.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		path = findDefault()
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("error reading config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	if err := mergeWithEnv(cfg); err != nil {
		return nil, "", err
	}
	applyDefaults(cfg)
	return cfg, path, nil
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// DefaultLocations lists the config files tried in order when none is given
func DefaultLocations() []string {
	locations := []string{"ingestor.yaml", "ingestor.yml", "ingestor.toml", "ingestor.json"}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".config", "document-ingestor", "config.yaml"))
	}
	return locations
}

func findDefault() string {
	for _, loc := range DefaultLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func mergeWithEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(EnvStorageDriver, &cfg.Storage.Driver)
	setString(EnvStoragePath, &cfg.Storage.Path)
	setString(EnvStorageDSN, &cfg.Storage.DSN)
	setString(EnvEmbedderProvider, &cfg.Embedder.Provider)
	setString(EnvEmbedderModel, &cfg.Embedder.Model)
	setString(EnvEmbedderAPIKey, &cfg.Embedder.APIKey)
	setString(EnvEmbedderBaseURL, &cfg.Embedder.BaseURL)
	setString(EnvLogLevel, &cfg.Logging.Level)
	setString(EnvLogFormat, &cfg.Logging.Format)

	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		cfg.Indexer.Workers = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultDBPath()
	}
	if cfg.Storage.ChunkTable == "" {
		cfg.Storage.ChunkTable = "chunks"
	}

	if cfg.Embedder.Timeout == 0 {
		cfg.Embedder.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embedder.CacheSize == 0 {
		cfg.Embedder.CacheSize = 10000
	}

	if cfg.Indexer.ApplyTimeout == 0 {
		cfg.Indexer.ApplyTimeout = Duration(2 * time.Minute)
	}
	if cfg.Indexer.MaxConflictRetries == 0 {
		cfg.Indexer.MaxConflictRetries = 3
	}
	r := &cfg.Indexer.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = Duration(100 * time.Millisecond)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(5 * time.Second)
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Type == "" {
			if s.Root != "" {
				s.Type = SourceFilesystem
			} else {
				s.Type = SourceHTTP
			}
		}
		if s.Type == SourceHTTP && s.Timeout == 0 {
			s.Timeout = Duration(30 * time.Second)
		}
	}
}

// DefaultDBPath returns the default SQLite database location
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ingestor.db"
	}
	return filepath.Join(home, ".document-ingestor", "ingestor.db")
}

// ValidationError reports one invalid setting
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate reports every invalid setting. A nil result means the config is
// usable.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path", "required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn", "required for the postgres driver")
		}
	case DriverMemory:
	default:
		add("storage.driver", "must be one of sqlite, postgres, memory; got %q", c.Storage.Driver)
	}

	if c.Embedder.Dimension < 0 {
		add("embedder.dimension", "must not be negative")
	}
	if c.Embedder.BatchSize < 0 || c.Embedder.BatchSize > 100 {
		add("embedder.batch_size", "must be between 0 and 100")
	}
	if c.Embedder.Timeout < 0 {
		add("embedder.timeout", "must not be negative")
	}

	if c.Indexer.Workers < 0 {
		add("indexer.workers", "must not be negative")
	}
	if c.Indexer.ApplyTimeout < 0 {
		add("indexer.apply_timeout", "must not be negative")
	}
	if c.Indexer.MaxConflictRetries < 0 {
		add("indexer.max_conflict_retries", "must not be negative")
	}
	if c.Indexer.Retry.MaxAttempts < 0 {
		add("indexer.retry.max_attempts", "must not be negative")
	}
	if c.Indexer.Retry.Multiplier < 0 {
		add("indexer.retry.multiplier", "must not be negative")
	}
	if c.Chunker.MaxRunes < 0 {
		add("chunker.max_runes", "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "must be text or json; got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			add(field+".name", "required")
		} else if seen[s.Name] {
			add(field+".name", "duplicate source name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Type {
		case SourceHTTP:
			if len(s.Seeds) == 0 && s.SeedsFile == "" {
				add(field+".seeds", "an http source needs seeds or seeds_file")
			}
			if s.MaxDepth < 0 {
				add(field+".max_depth", "must not be negative")
			}
			if s.RateLimit < 0 {
				add(field+".rate_limit", "must not be negative")
			}
		case SourceFilesystem:
			if s.Root == "" {
				add(field+".root", "required for a filesystem source")
			}
		default:
			add(field+".type", "must be http or filesystem; got %q", s.Type)
		}
	}

	return errs
}

// Duration is a time.Duration that decodes from strings such as "30s"
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts a duration string or a number of seconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}
