package config

import (
	"net/mail"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Edgar     EdgarConfig     `yaml:"edgar" mapstructure:"edgar"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EdgarConfig configures upstream access and the crawl itself.
type EdgarConfig struct {
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	DataBaseURL       string        `yaml:"data_base_url" mapstructure:"data_base_url"`
	ArchivesBaseURL   string        `yaml:"archives_base_url" mapstructure:"archives_base_url"`
	SearchURL         string        `yaml:"search_url" mapstructure:"search_url"`
	RequestsPerWindow int           `yaml:"requests_per_window" mapstructure:"requests_per_window"`
	Window            time.Duration `yaml:"window" mapstructure:"window"`
	Cooldown          time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	ProgressEvery     int           `yaml:"progress_every" mapstructure:"progress_every"`
	Lookback          time.Duration `yaml:"lookback" mapstructure:"lookback"`
	CIKs              []string      `yaml:"ciks" mapstructure:"ciks"`
	FormTypes         []string      `yaml:"form_types" mapstructure:"form_types"`
	RulesFile         string        `yaml:"rules_file" mapstructure:"rules_file"`
	DiscoveryQuery    string        `yaml:"discovery_query" mapstructure:"discovery_query"`
	SkipGuesses       bool          `yaml:"skip_guesses" mapstructure:"skip_guesses"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ScheduleConfig configures the background worker and refresh schedule.
type ScheduleConfig struct {
	// RefreshCron enqueues a refresh run on this schedule. Empty disables it.
	RefreshCron  string        `yaml:"refresh_cron" mapstructure:"refresh_cron"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Job          string        `yaml:"job" mapstructure:"job"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds Firecrawl API settings (PDF fallback only).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractConfig configures metric extraction.
type ExtractConfig struct {
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MaxChars      int     `yaml:"max_chars" mapstructure:"max_chars"`
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	Label         string  `yaml:"label" mapstructure:"label"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MINING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "mining-intel.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("edgar.user_agent", "")
	v.SetDefault("edgar.data_base_url", "https://data.sec.gov")
	v.SetDefault("edgar.archives_base_url", "https://www.sec.gov/Archives/edgar/data")
	v.SetDefault("edgar.search_url", "https://efts.sec.gov/LATEST/search-index")
	v.SetDefault("edgar.requests_per_window", 8)
	v.SetDefault("edgar.window", time.Second)
	v.SetDefault("edgar.cooldown", 10*time.Minute)
	v.SetDefault("edgar.timeout", 20*time.Second)
	v.SetDefault("edgar.max_retries", 3)
	v.SetDefault("edgar.concurrency", 5)
	v.SetDefault("edgar.progress_every", 25)
	v.SetDefault("edgar.lookback", 365*24*time.Hour)
	v.SetDefault("edgar.ciks", []string{})
	v.SetDefault("edgar.form_types", []string{})
	v.SetDefault("edgar.rules_file", "")
	v.SetDefault("edgar.discovery_query", `"technical report summary"`)
	v.SetDefault("edgar.skip_guesses", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("schedule.refresh_cron", "")
	v.SetDefault("schedule.poll_interval", 30*time.Second)
	v.SetDefault("schedule.job", "edgar-technical-reports")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("firecrawl.key", "")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("extract.min_confidence", 0.5)
	v.SetDefault("extract.max_chars", 60000)
	v.SetDefault("extract.concurrency", 2)
	v.SetDefault("extract.label", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Modes accepted by Validate.
const (
	ModeCrawl   = "crawl"
	ModeServe   = "serve"
	ModeExtract = "extract"
	ModeStore   = "store"
)

// Validate checks the settings a command mode needs.
func (c *Config) Validate(mode string) error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return eris.New("config: store.sqlite_path is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch mode {
	case ModeStore:
		return nil
	case ModeCrawl, ModeServe, ModeExtract:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if err := c.Edgar.validate(); err != nil {
		return err
	}
	if mode == ModeServe && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return eris.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if mode == ModeExtract {
		if c.Extract.MinConfidence < 0 || c.Extract.MinConfidence > 1 {
			return eris.Errorf("config: extract.min_confidence %v must be within [0, 1]", c.Extract.MinConfidence)
		}
	}
	return nil
}

// validate enforces SEC fair-access requirements: a declared contact in the
// User-Agent and no more than ten requests per second.
func (e EdgarConfig) validate() error {
	ua := strings.TrimSpace(e.UserAgent)
	if ua == "" {
		return eris.New("config: edgar.user_agent is required (e.g. \"Company Name admin@example.com\")")
	}
	fields := strings.Fields(ua)
	if _, err := mail.ParseAddress(fields[len(fields)-1]); err != nil {
		return eris.Errorf("config: edgar.user_agent %q must end with a contact email", ua)
	}
	if e.RequestsPerWindow <= 0 || e.Window <= 0 {
		return eris.New("config: edgar.requests_per_window and edgar.window must be positive")
	}
	if float64(e.RequestsPerWindow)/e.Window.Seconds() > 10 {
		return eris.Errorf("config: edgar rate %d per %s exceeds 10 requests per second",
			e.RequestsPerWindow, e.Window)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
