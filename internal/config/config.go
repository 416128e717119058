package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Printer  PrinterConfig  `yaml:"printer"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Resolver ResolverConfig `yaml:"resolver"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	APIKeyHash     string        `yaml:"api_key_hash"`
	JWTSecret      string        `yaml:"jwt_secret"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

type StorageConfig struct {
	FilesDir string `yaml:"files_dir"`
	SpoolDir string `yaml:"spool_dir"`
}

// PrinterConfig names the single target printer. It replaces any process-wide
// "selected printer" and is passed to the worker at construction.
type PrinterConfig struct {
	Name string `yaml:"name"`
}

type QueueConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

type DispatchConfig struct {
	PDFPageRanges bool       `yaml:"pdf_page_ranges"`
	Page          PageConfig `yaml:"page"`
	// MaxImagePixels caps width*height of any image decoded at intake or
	// dispatch.
	MaxImagePixels int `yaml:"max_image_pixels"`
}

// PageConfig describes the physical page the raster device composes onto.
type PageConfig struct {
	DPI      int     `yaml:"dpi"`
	WidthMM  float64 `yaml:"width_mm"`
	HeightMM float64 `yaml:"height_mm"`
	MarginMM float64 `yaml:"margin_mm"`
}

type ResolverConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout"`
	Workers    int               `yaml:"workers"`
	QueueSize  int               `yaml:"queue_size"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxUploadBytes: 25 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/printbot.db",
		},
		Storage: StorageConfig{
			FilesDir: "./data/print_files",
			SpoolDir: "./data/spool",
		},
		Queue: QueueConfig{
			PollInterval:    5 * time.Second,
			DispatchTimeout: 2 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxImagePixels: 40_000_000,
			Page: PageConfig{
				DPI:      300,
				WidthMM:  210,
				HeightMM: 297,
				MarginMM: 4.2,
			},
		},
		Resolver: ResolverConfig{
			Model:   "gemini-2.0-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: 60 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			Workers:    2,
			QueueSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads the YAML file at configPath on top of the defaults. A missing
// file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides selected fields from PRINTBOT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTBOT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PRINTBOT_API_KEY_HASH"); v != "" {
		c.Server.APIKeyHash = v
	}
	if v := os.Getenv("PRINTBOT_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("PRINTBOT_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("PRINTBOT_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PRINTBOT_DB_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PRINTBOT_FILES_DIR"); v != "" {
		c.Storage.FilesDir = v
	}
	if v := os.Getenv("PRINTBOT_PRINTER"); v != "" {
		c.Printer.Name = v
	}
	if v := os.Getenv("PRINTBOT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.PollInterval = d
		}
	}
	if v := os.Getenv("PRINTBOT_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.DispatchTimeout = d
		}
	}
	if v := os.Getenv("PRINTBOT_PDF_PAGE_RANGES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Dispatch.PDFPageRanges = b
		}
	}
	if v := os.Getenv("PRINTBOT_GEMINI_API_KEY"); v != "" {
		c.Resolver.APIKey = v
	}
	if v := os.Getenv("PRINTBOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PRINTBOT_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}

	if c.Server.APIKeyHash != "" && c.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required when an api key hash is configured")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid: sqlite, postgres)", c.Database.Driver)
	}

	if c.Storage.FilesDir == "" {
		return fmt.Errorf("storage files dir is required")
	}

	if c.Storage.SpoolDir == "" {
		return fmt.Errorf("storage spool dir is required")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Queue.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}

	if c.Dispatch.MaxImagePixels <= 0 {
		return fmt.Errorf("max image pixels must be positive")
	}

	page := c.Dispatch.Page
	if page.DPI <= 0 {
		return fmt.Errorf("page dpi must be positive")
	}
	if page.WidthMM <= 0 || page.HeightMM <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if page.MarginMM < 0 || 2*page.MarginMM >= page.WidthMM || 2*page.MarginMM >= page.HeightMM {
		return fmt.Errorf("page margin %.1fmm leaves no printable area", page.MarginMM)
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("webhook endpoint %d: url must be http or https", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
