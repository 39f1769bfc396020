package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/amosWeiskopf/fileharvest/pkg/scheduler"
)

// AppName is used for the env prefix and the XDG config directory.
const AppName = "fileharvest"

// MaxWorkerCap bounds the worker pool regardless of configuration.
const MaxWorkerCap = 8

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ValidFileTypes lists the extension tokens accepted in crawler.file_type.
var ValidFileTypes = map[string]bool{
	".pdf": true, ".txt": true, ".jpg": true, ".png": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
}

// Config holds all application configuration
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Identity IdentityConfig `mapstructure:"identity"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// CrawlerConfig holds crawler-specific configuration
type CrawlerConfig struct {
	SourceList       []string      `mapstructure:"crawling_source_list"`
	BlockedSites     []string      `mapstructure:"blocked_sites"`
	Keywords         []string      `mapstructure:"crawling_keywords"`
	KeywordScope     string        `mapstructure:"keyword_scope"` // "page" or "content"
	FileTypes        []string      `mapstructure:"file_type"`
	RequestTimeout   int           `mapstructure:"request_timeout"`  // seconds
	DownloadTimeout  int           `mapstructure:"download_timeout"` // seconds
	TaskTimeout      int           `mapstructure:"task_timeout"`     // seconds
	MaxWorkers       int           `mapstructure:"max_workers"`
	BatchCap         int           `mapstructure:"batch_cap"`
	BatchDelayMin    time.Duration `mapstructure:"batch_delay_min"`
	BatchDelayMax    time.Duration `mapstructure:"batch_delay_max"`
	RespectRobotsTxt bool          `mapstructure:"respect_robots_txt"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	ProgressFactor   int           `mapstructure:"progress_factor"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
}

// IdentityConfig holds the user-agent and proxy pools
type IdentityConfig struct {
	UserAgents []string `mapstructure:"user_agents"`
	UseProxy   bool     `mapstructure:"use_proxy"`
	Proxies    []string `mapstructure:"proxies"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	ResourceRoot string `mapstructure:"resource_root"`
	LogDir       string `mapstructure:"log_dir"`
	HistoryDB    string `mapstructure:"history_db"` // empty disables the SQLite ledger
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "console"
	OutputPath string `mapstructure:"output_path"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ScheduleConfig holds the daily trigger time, e.g. "8:00AM,UTC+08:00"
type ScheduleConfig struct {
	TriggerTime string `mapstructure:"trigger_time"`
}

// Load reads configuration from file and environment. A missing config
// file is not an error; defaults and env vars are used instead.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
	}

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.crawling_source_list", []string{"https://arxiv.org/catchup/cs.CV/2025-09-30?abs=True"})
	v.SetDefault("crawler.blocked_sites", []string{})
	v.SetDefault("crawler.crawling_keywords", []string{"[Pp]aper", "[Ee]ssay"})
	v.SetDefault("crawler.keyword_scope", "page")
	v.SetDefault("crawler.file_type", []string{".pdf"})
	v.SetDefault("crawler.request_timeout", 5)
	v.SetDefault("crawler.download_timeout", 30)
	v.SetDefault("crawler.task_timeout", 30)
	v.SetDefault("crawler.max_workers", 5)
	v.SetDefault("crawler.batch_cap", 16)
	v.SetDefault("crawler.batch_delay_min", "1s")
	v.SetDefault("crawler.batch_delay_max", "3s")
	v.SetDefault("crawler.respect_robots_txt", true)
	v.SetDefault("crawler.retry_attempts", 0)
	v.SetDefault("crawler.progress_factor", 10)
	v.SetDefault("crawler.max_body_bytes", 50*1024*1024)

	v.SetDefault("identity.user_agents", DefaultUserAgents)
	v.SetDefault("identity.use_proxy", false)
	v.SetDefault("identity.proxies", []string{})

	v.SetDefault("storage.resource_root", filepath.Join("Resource", "Unclassified"))
	v.SetDefault("storage.log_dir", "Crawling Log")
	v.SetDefault("storage.history_db", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("schedule.trigger_time", "8:00AM,UTC+08:00")
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Workers returns min(CPU count, max_workers, MaxWorkerCap), at least 1.
func (c CrawlerConfig) Workers() int {
	n := c.MaxWorkers
	if cpus := runtime.NumCPU(); cpus < n {
		n = cpus
	}
	if n > MaxWorkerCap {
		n = MaxWorkerCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// BatchSize returns min(workers*2, batch_cap).
func (c CrawlerConfig) BatchSize() int {
	n := c.Workers() * 2
	if c.BatchCap > 0 && c.BatchCap < n {
		n = c.BatchCap
	}
	return n
}

// Validate checks the configuration for values the crawler cannot run with.
func (c *Config) Validate() error {
	cr := c.Crawler
	for _, ft := range cr.FileTypes {
		if !ValidFileTypes[strings.ToLower(ft)] {
			return fmt.Errorf("%w: unsupported file type %q", ErrInvalid, ft)
		}
	}
	for _, kw := range cr.Keywords {
		if _, err := regexp.Compile("(?i)" + kw); err != nil {
			return fmt.Errorf("%w: keyword %q: %v", ErrInvalid, kw, err)
		}
	}
	switch cr.KeywordScope {
	case "", "page", "content":
	default:
		return fmt.Errorf("%w: crawler.keyword_scope must be page or content", ErrInvalid)
	}
	if cr.RequestTimeout <= 0 {
		return fmt.Errorf("%w: crawler.request_timeout must be positive", ErrInvalid)
	}
	if cr.DownloadTimeout <= 0 {
		return fmt.Errorf("%w: crawler.download_timeout must be positive", ErrInvalid)
	}
	if cr.TaskTimeout <= 0 {
		return fmt.Errorf("%w: crawler.task_timeout must be positive", ErrInvalid)
	}
	if cr.MaxWorkers <= 0 {
		return fmt.Errorf("%w: crawler.max_workers must be positive", ErrInvalid)
	}
	if cr.RetryAttempts < 0 {
		return fmt.Errorf("%w: crawler.retry_attempts must not be negative", ErrInvalid)
	}
	if cr.BatchDelayMin < 0 || cr.BatchDelayMax < cr.BatchDelayMin {
		return fmt.Errorf("%w: crawler.batch_delay_max must be >= batch_delay_min >= 0", ErrInvalid)
	}
	if c.Identity.UseProxy && len(c.Identity.Proxies) == 0 {
		return fmt.Errorf("%w: identity.use_proxy requires identity.proxies", ErrInvalid)
	}
	if c.Storage.ResourceRoot == "" {
		return fmt.Errorf("%w: storage.resource_root is required", ErrInvalid)
	}
	if c.Schedule.TriggerTime != "" {
		if _, err := scheduler.ParseTriggerTime(c.Schedule.TriggerTime); err != nil {
			return fmt.Errorf("%w: schedule.trigger_time: %v", ErrInvalid, err)
		}
	}
	return nil
}

// DefaultUserAgents is the user-agent pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0",
}
