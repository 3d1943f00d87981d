package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full pipeline configuration, loaded from one YAML file.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Budget     BudgetConfig     `yaml:"budget"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Storage    StorageConfig    `yaml:"storage"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Export     ExportConfig     `yaml:"export"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	AccessKey      string `yaml:"access_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

type BudgetConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	MaxWaitSeconds  int `yaml:"max_wait_seconds"`
}

type PreprocessConfig struct {
	TargetWidth     int    `yaml:"target_width"`
	OutputFormat    string `yaml:"output_format"` // "jpeg" or "png"
	JPEGQuality     int    `yaml:"jpeg_quality"`
	Enhance         bool   `yaml:"enhance"`
	RemoveWatermark bool   `yaml:"remove_watermark"`
	MinWidth        int    `yaml:"min_width"`
	MinHeight       int    `yaml:"min_height"`
	Workers         int    `yaml:"workers"`
}

type DedupConfig struct {
	HammingThreshold int     `yaml:"hamming_threshold"`
	MinContrast      float64 `yaml:"min_contrast"`
	MinSharpness     float64 `yaml:"min_sharpness"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
}

type EnrichConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ExportConfig struct {
	Formats        []string `yaml:"formats"`
	RequireCaption bool     `yaml:"require_caption"`
}

// Load reads and validates the configuration file, filling defaults for
// optional fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every optional field at its default,
// usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.unsplash.com"
	}
	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 30
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 4
	}
	if c.Budget.RequestsPerHour == 0 {
		c.Budget.RequestsPerHour = 50
	}
	if c.Budget.MaxWaitSeconds == 0 {
		c.Budget.MaxWaitSeconds = 300
	}
	if c.Preprocess.TargetWidth == 0 {
		c.Preprocess.TargetWidth = 1024
	}
	if c.Preprocess.OutputFormat == "" {
		c.Preprocess.OutputFormat = "jpeg"
	}
	if c.Preprocess.JPEGQuality == 0 {
		c.Preprocess.JPEGQuality = 95
	}
	if c.Preprocess.MinWidth == 0 {
		c.Preprocess.MinWidth = 256
	}
	if c.Preprocess.MinHeight == 0 {
		c.Preprocess.MinHeight = 256
	}
	if c.Preprocess.Workers == 0 {
		c.Preprocess.Workers = 4
	}
	if c.Dedup.HammingThreshold == 0 {
		c.Dedup.HammingThreshold = 10
	}
	if c.Dedup.MinContrast == 0 {
		c.Dedup.MinContrast = 12.0 / 255.0
	}
	if c.Dedup.MinSharpness == 0 {
		c.Dedup.MinSharpness = 2.5 / 255.0
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "data/metadata.db"
	}
	if c.Enrich.TimeoutSeconds == 0 {
		c.Enrich.TimeoutSeconds = 60
	}
	if len(c.Export.Formats) == 0 {
		c.Export.Formats = []string{"csv", "json"}
	}
}

func (c *Config) validate() error {
	if c.Preprocess.OutputFormat != "jpeg" && c.Preprocess.OutputFormat != "png" {
		return fmt.Errorf("preprocess.output_format must be jpeg or png, got %q", c.Preprocess.OutputFormat)
	}
	if c.Dedup.HammingThreshold < 0 || c.Dedup.HammingThreshold > 64 {
		return fmt.Errorf("dedup.hamming_threshold must be in [0,64], got %d", c.Dedup.HammingThreshold)
	}
	if c.Budget.RequestsPerHour < 1 {
		return fmt.Errorf("budget.requests_per_hour must be positive, got %d", c.Budget.RequestsPerHour)
	}
	for _, f := range c.Export.Formats {
		switch f {
		case "csv", "json", "parquet":
		default:
			return fmt.Errorf("export.formats: unsupported format %q", f)
		}
	}
	return nil
}

// APITimeout returns the HTTP client timeout for the photo API.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// BudgetMaxWait returns the cap on total time a caller may block waiting for
// a request token.
func (c *Config) BudgetMaxWait() time.Duration {
	return time.Duration(c.Budget.MaxWaitSeconds) * time.Second
}

// EnrichTimeout returns the per-call deadline for model collaborators.
func (c *Config) EnrichTimeout() time.Duration {
	return time.Duration(c.Enrich.TimeoutSeconds) * time.Second
}
