package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"engwewatch/internal/logging"
)

// ErrInvalidConfig marks configuration errors; they are fatal at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Events        EventsConfig        `mapstructure:"events"`
	API           APIConfig           `mapstructure:"api"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// MonitoringConfig holds the change-detection thresholds and channel toggles.
// It is read once at startup and treated as read-only during a scan.
type MonitoringConfig struct {
	CheckIntervalHours         int           `mapstructure:"check_interval_hours"`
	LowStockThreshold          int           `mapstructure:"low_stock_threshold"`
	StockDropRatio             float64       `mapstructure:"stock_drop_ratio"`
	SendSummaryNotifications   bool          `mapstructure:"send_summary_notifications"`
	EnableDesktopNotifications bool          `mapstructure:"enable_desktop_notifications"`
	EnableEmailNotifications   bool          `mapstructure:"enable_email_notifications"`
	AlertOnBaseline            bool          `mapstructure:"alert_on_baseline"`
	ScanOnStart                bool          `mapstructure:"scan_on_start"`
	StartupDelay               time.Duration `mapstructure:"startup_delay"`
}

// CheckInterval converts check_interval_hours to a duration.
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalHours) * time.Hour
}

// CatalogConfig covers storefront access.
type CatalogConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	SitemapPath       string        `mapstructure:"sitemap_path"`
	MaxProducts       int           `mapstructure:"max_products"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// StorageConfig selects and parameterises the snapshot store backend.
type StorageConfig struct {
	Driver          string         `mapstructure:"driver"`
	Dir             string         `mapstructure:"dir"`
	SQLitePath      string         `mapstructure:"sqlite_path"`
	AdvisoryLockKey int64          `mapstructure:"advisory_lock_key"`
	Database        DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NotificationsConfig carries channel credentials. Only the notifiers read it.
type NotificationsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Desktop  DesktopConfig  `mapstructure:"desktop"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Timeout  time.Duration  `mapstructure:"timeout"`
}

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	SMTPServer string `mapstructure:"smtp_server"`
	SMTPPort   int    `mapstructure:"smtp_port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	From       string `mapstructure:"from"`
	ToEmail    string `mapstructure:"to_email"`
}

// DesktopConfig labels desktop notifications.
type DesktopConfig struct {
	AppName string `mapstructure:"app_name"`
}

// TelegramConfig describes the optional Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// EventsConfig tunes the presentation event feed.
type EventsConfig struct {
	Buffer int         `mapstructure:"buffer"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables publishing events to a redis channel when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// APIConfig covers the control API server and its CLI client.
type APIConfig struct {
	Listen        string        `mapstructure:"listen"`
	ClientURL     string        `mapstructure:"client_url"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
}

// ExportConfig sets CLI export behaviour. MaxDataPoints caps the number of
// daily buckets plotted by export.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("ENGWEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "unmarshal config"), ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv("ENGWEWATCH_DOTENV")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Mark(errors.Wrap(err, "read config"), ErrInvalidConfig)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "engwewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitoring.check_interval_hours", 4)
	v.SetDefault("monitoring.low_stock_threshold", 5)
	v.SetDefault("monitoring.stock_drop_ratio", 0.5)
	v.SetDefault("monitoring.send_summary_notifications", false)
	v.SetDefault("monitoring.enable_desktop_notifications", true)
	v.SetDefault("monitoring.enable_email_notifications", false)
	v.SetDefault("monitoring.alert_on_baseline", false)
	v.SetDefault("monitoring.scan_on_start", true)
	v.SetDefault("monitoring.startup_delay", "0s")

	v.SetDefault("catalog.base_url", "https://engwe.com")
	v.SetDefault("catalog.sitemap_path", "/sitemap_products_1.xml")
	v.SetDefault("catalog.max_products", 0)
	v.SetDefault("catalog.request_timeout", "30s")
	v.SetDefault("catalog.requests_per_second", 2.0)
	v.SetDefault("catalog.user_agent", "Mozilla/5.0 (compatible; engwewatch/1.0)")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("storage.sqlite_path", "data/engwe_monitor.db")
	v.SetDefault("storage.advisory_lock_key", int64(0x656e6777))
	v.SetDefault("storage.database.max_open_conns", 10)
	v.SetDefault("storage.database.max_idle_conns", 2)
	v.SetDefault("storage.database.conn_max_lifetime", "30m")

	v.SetDefault("storage.database.dsn", "")

	// credentials need a registered key so environment overrides reach Unmarshal
	v.SetDefault("notifications.timeout", "15s")
	v.SetDefault("notifications.email.smtp_server", "")
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.username", "")
	v.SetDefault("notifications.email.password", "")
	v.SetDefault("notifications.email.from", "")
	v.SetDefault("notifications.email.to_email", "")
	v.SetDefault("notifications.desktop.app_name", "Engwe Monitor")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", "")
	v.SetDefault("notifications.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("events.buffer", 64)
	v.SetDefault("events.redis.addr", "")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel", "engwewatch:events")

	v.SetDefault("api.listen", "127.0.0.1:8765")
	v.SetDefault("api.client_url", "http://127.0.0.1:8765")
	v.SetDefault("api.client_timeout", "10m")

	v.SetDefault("export.max_data_points", 90)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	m := c.Monitoring
	if m.CheckIntervalHours < 1 || m.CheckIntervalHours > 24 {
		return invalid("monitoring.check_interval_hours must be between 1 and 24, got %d", m.CheckIntervalHours)
	}
	if m.LowStockThreshold < 0 {
		return invalid("monitoring.low_stock_threshold cannot be negative")
	}
	if m.StockDropRatio <= 0 || m.StockDropRatio > 1 {
		return invalid("monitoring.stock_drop_ratio must be in (0, 1], got %v", m.StockDropRatio)
	}
	if m.StartupDelay < 0 {
		return invalid("monitoring.startup_delay cannot be negative")
	}

	if c.Catalog.BaseURL == "" {
		return invalid("catalog.base_url is required")
	}
	if c.Catalog.MaxProducts < 0 {
		return invalid("catalog.max_products cannot be negative")
	}
	if c.Catalog.RequestsPerSecond < 0 {
		return invalid("catalog.requests_per_second cannot be negative")
	}

	switch c.Storage.Driver {
	case "file":
		if c.Storage.Dir == "" {
			return invalid("storage.dir is required for the file driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return invalid("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return invalid("storage.database.dsn is required for the postgres driver")
		}
	default:
		return invalid("storage.driver must be one of file, sqlite, postgres; got %q", c.Storage.Driver)
	}

	if m.EnableEmailNotifications {
		e := c.Notifications.Email
		if e.SMTPServer == "" || e.ToEmail == "" {
			return invalid("notifications.email.smtp_server and to_email are required when email notifications are enabled")
		}
		if e.SMTPPort <= 0 {
			return invalid("notifications.email.smtp_port must be greater than zero")
		}
	}
	if t := c.Notifications.Telegram; t.Enabled {
		if t.BotToken == "" {
			return invalid("notifications.telegram.bot_token is required")
		}
		if t.ChatID == "" {
			return invalid("notifications.telegram.chat_id is required")
		}
	}

	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points must be greater than zero")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
