package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the calnotify daemon.
type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Google    GoogleConfig    `mapstructure:"google"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	NotifyRetries int    `mapstructure:"notify_retries"`
}

// GoogleConfig holds OAuth2 client credentials.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"` // #nosec G117 -- config deserialization, not hardcoded
	FetchRetries int    `mapstructure:"fetch_retries"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds the reconciliation loop settings.
type SchedulerConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	Lookahead            time.Duration `mapstructure:"lookahead"`
	DefaultLead          time.Duration `mapstructure:"default_lead"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	UserTimeout          time.Duration `mapstructure:"user_timeout"`
	AuthFailureThreshold int           `mapstructure:"auth_failure_threshold"`
}

// Load reads configuration from file, env vars, and defaults.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("telegram.notify_retries", 3)
	v.SetDefault("google.fetch_retries", 3)
	v.SetDefault("database.path", "calnotify.db")
	v.SetDefault("scheduler.poll_interval", "60s")
	v.SetDefault("scheduler.lookahead", "30m")
	v.SetDefault("scheduler.default_lead", "10m")
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.user_timeout", "30s")
	v.SetDefault("scheduler.auth_failure_threshold", 5)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("calnotify")
		v.AddConfigPath("/etc/calnotify")
		v.AddConfigPath("$HOME/.config/calnotify")
		v.AddConfigPath(".")
	}

	v.BindEnv("telegram.token", "BOT_TOKEN")
	v.BindEnv("google.client_id", "GOOGLE_CLIENT_ID")
	v.BindEnv("google.client_secret", "GOOGLE_CLIENT_SECRET")
	v.BindEnv("database.path", "CALNOTIFY_DB_PATH")
	v.BindEnv("scheduler.poll_interval", "CALNOTIFY_POLL_INTERVAL")
	v.BindEnv("scheduler.default_lead", "CALNOTIFY_DEFAULT_LEAD")

	_ = v.ReadInConfig() // config file is optional

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ValidateForRun checks that the config is valid for running the daemon.
func ValidateForRun(cfg Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (set via config file or BOT_TOKEN env var)")
	}
	if cfg.Google.ClientID == "" {
		return fmt.Errorf("google.client_id is required (set via config file or GOOGLE_CLIENT_ID env var)")
	}
	if cfg.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required (set via config file or GOOGLE_CLIENT_SECRET env var)")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	// Every occurrence must be observed at least once while due.
	if cfg.Scheduler.Lookahead < cfg.Scheduler.DefaultLead+cfg.Scheduler.PollInterval {
		return fmt.Errorf("scheduler.lookahead must be at least default_lead + poll_interval")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	return nil
}
