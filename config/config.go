package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider    ProviderConfig
	Proxy       ProxyConfig
	Scraper     ScraperConfig
	Poller      PollerConfig
	Scheduler   SchedulerConfig
	Queue       QueueConfig
	S3          S3Config
	Cache       CacheConfig
	DBPath      string
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	LogFile     string
	Platforms   map[string]*PlatformConfig
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type ProxyConfig struct {
	URL string
}

type ScraperConfig struct {
	MinInterval      time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	MaxPostsPerBatch int
	BreakerFailures  int
}

type PollerConfig struct {
	Interval   time.Duration
	MaxAge     time.Duration
	EntryDelay time.Duration
}

type SchedulerConfig struct {
	RecoveryCron   string
	CleanupCron    string
	StuckThreshold time.Duration
	RetentionDays  int
}

type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	RateInterval time.Duration
}

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type CacheConfig struct {
	MaxItems int64
	TTL      time.Duration
}

// PlatformConfig maps a social platform to the provider datasets that serve it.
type PlatformConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	CompanyDataset  string `yaml:"company_dataset"`
	ProfileDataset  string `yaml:"profile_dataset"`
	PostsDataset    string `yaml:"posts_dataset"`
	MaxPollAttempts int    `yaml:"max_poll_attempts"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Provider: ProviderConfig{
			APIKey:  os.Getenv("BRIGHTDATA_API_KEY"),
			BaseURL: getEnv("BRIGHTDATA_BASE_URL", "https://api.brightdata.com"),
			Timeout: getEnvDuration("PROVIDER_TIMEOUT", 90*time.Second),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Scraper: ScraperConfig{
			MinInterval:      getEnvDuration("SCRAPE_MIN_INTERVAL", 5*time.Second),
			RetryAttempts:    getEnvInt("SCRAPE_RETRY_ATTEMPTS", 2),
			RetryBaseDelay:   getEnvDuration("SCRAPE_RETRY_DELAY", 5*time.Second),
			MaxPostsPerBatch: getEnvInt("SCRAPE_MAX_POSTS", 20),
			BreakerFailures:  getEnvInt("PROVIDER_BREAKER_FAILURES", 5),
		},
		Poller: PollerConfig{
			Interval:   getEnvDuration("POLL_INTERVAL", 30*time.Second),
			MaxAge:     getEnvDuration("SNAPSHOT_MAX_AGE", 30*time.Minute),
			EntryDelay: getEnvDuration("POLL_ENTRY_DELAY", 500*time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			RecoveryCron:   getEnv("RECOVERY_CRON", "@every 5m"),
			CleanupCron:    getEnv("CLEANUP_CRON", "0 3 * * *"),
			StuckThreshold: getEnvDuration("STUCK_JOB_THRESHOLD", 10*time.Minute),
			RetentionDays:  getEnvInt("JOB_RETENTION_DAYS", 30),
		},
		Queue: QueueConfig{
			Workers:      getEnvInt("QUEUE_WORKERS", 1),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			RateInterval: getEnvDuration("QUEUE_RATE", 5*time.Second),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Cache: CacheConfig{
			MaxItems: int64(getEnvInt("CACHE_MAX_ITEMS", 1000)),
			TTL:      getEnvDuration("CACHE_TTL", 10*time.Minute),
		},
		DBPath:      getEnv("DB_PATH", "scraper.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "daemon.log"),
		Platforms:   make(map[string]*PlatformConfig),
	}

	if err := cfg.loadPlatformConfigs(getEnv("PLATFORM_CONFIG_DIR", "config/platforms")); err != nil {
		return nil, err
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms["linkedin"] = DefaultPlatform()
	}

	return cfg, nil
}

// DefaultPlatform is used when no platform YAML is present.
func DefaultPlatform() *PlatformConfig {
	return &PlatformConfig{
		ID:              "linkedin",
		Name:            "LinkedIn",
		CompanyDataset:  "gd_l1vikfnt1wgvvqz95w",
		ProfileDataset:  "gd_l1viktl72bvl7bjuj0",
		PostsDataset:    "gd_lyy3tktm25m4avu764",
		MaxPollAttempts: 60,
	}
}

func (c *Config) Platform(id string) *PlatformConfig {
	if p, ok := c.Platforms[id]; ok {
		return p
	}
	return nil
}

func (c *Config) loadPlatformConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read platform config dir")
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}

		var platform PlatformConfig
		if err := yaml.Unmarshal(data, &platform); err != nil {
			return errors.Wrapf(err, "parse %s", path)
		}
		if platform.ID == "" {
			return errors.Newf("%s: platform id is required", path)
		}
		if platform.MaxPollAttempts <= 0 {
			platform.MaxPollAttempts = 60
		}

		c.Platforms[platform.ID] = &platform
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
