package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string

	DBDriver   string
	MySQLDSN   string
	SQLitePath string

	ProviderAPIKey  string
	ProviderBaseURL string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int

	RateLimitPerMinute int
	RateLimitPerHour   int

	BalanceLowThreshold      float64
	BalanceCriticalThreshold float64
	GateCheckInterval        time.Duration
	GateFailureIntervals     int
	NotifyCooldownLow        time.Duration
	NotifyCooldownCritical   time.Duration
	AdminChatIDs             []int64

	WelcomeBonusCredits int64
	PromoBonusCredits   int64
	RetentionDays       int
	RecoveryInterval    time.Duration
	OrphanHorizon       time.Duration

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	LogFormat string
	LogLevel  string
}

// Timeout is the overall generation budget measured from the Processing transition.
func (c Config) Timeout() time.Duration {
	return c.PollInterval * time.Duration(c.PollMaxAttempts)
}

// RecoveryLookback is how far back the recovery sweep searches for failed generations.
func (c Config) RecoveryLookback() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// S3Enabled reports whether input-image uploads are configured.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

// Load reads configuration from environment variables, applying sane defaults.
// The bot token is only required when requireBot is set, so maintenance commands
// can run without chat credentials.
func Load(requireBot bool) (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultProviderBaseURL = "https://api.wavespeed.ai"

	cfg := Config{
		DBDriver:                 strings.ToLower(getEnv("DB_DRIVER", DriverMySQL)),
		SQLitePath:               getEnv("SQLITE_PATH", filepath.Join("data", "bot.db")),
		ProviderBaseURL:          normalizeBaseURL(getEnv("PROVIDER_BASE_URL", defaultProviderBaseURL), defaultProviderBaseURL),
		RequestTimeout:           time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		DownloadTimeout:          time.Second * time.Duration(getInt("DOWNLOAD_TIMEOUT_SECONDS", 60)),
		PollInterval:             time.Second * time.Duration(getInt("POLL_INTERVAL_SECONDS", 2)),
		PollMaxAttempts:          getInt("POLL_MAX_ATTEMPTS", 180),
		RateLimitPerMinute:       getInt("RATE_LIMIT_PER_MINUTE", 3),
		RateLimitPerHour:         getInt("RATE_LIMIT_PER_HOUR", 30),
		BalanceLowThreshold:      getFloat("BALANCE_LOW_THRESHOLD", 10),
		BalanceCriticalThreshold: getFloat("BALANCE_CRITICAL_THRESHOLD", 2),
		GateCheckInterval:        time.Second * time.Duration(getInt("GATE_CHECK_INTERVAL_SECONDS", 300)),
		GateFailureIntervals:     getInt("GATE_FAILURE_INTERVALS", 2),
		NotifyCooldownLow:        time.Second * time.Duration(getInt("NOTIFY_COOLDOWN_LOW_SECONDS", 7200)),
		NotifyCooldownCritical:   time.Second * time.Duration(getInt("NOTIFY_COOLDOWN_CRITICAL_SECONDS", 1800)),
		WelcomeBonusCredits:      int64(getInt("WELCOME_BONUS_CREDITS", 10)),
		PromoBonusCredits:        int64(getInt("PROMO_BONUS_CREDITS", 50)),
		RetentionDays:            getInt("RETENTION_DAYS", 1),
		RecoveryInterval:         time.Minute * time.Duration(getInt("RECOVERY_INTERVAL_MINUTES", 5)),
		OrphanHorizon:            time.Minute * time.Duration(getInt("ORPHAN_HORIZON_MINUTES", 30)),
		AdminListenAddr:          getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:               getEnv("S3_ENDPOINT", ""),
		S3Region:                 os.Getenv("S3_REGION"),
		S3AccessKey:              os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:          os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:           getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                 getEnv("S3_PREFIX", "inputs"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")

	ids, err := getInt64List("ADMIN_CHAT_IDS")
	if err != nil {
		return Config{}, err
	}
	cfg.AdminChatIDs = ids

	var missing []string
	if requireBot && cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	switch cfg.DBDriver {
	case DriverMySQL:
		if cfg.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.PollInterval <= 0:
		return errors.New("POLL_INTERVAL_SECONDS must be positive")
	case c.PollMaxAttempts <= 0:
		return errors.New("POLL_MAX_ATTEMPTS must be positive")
	case c.RateLimitPerMinute <= 0 || c.RateLimitPerHour <= 0:
		return errors.New("rate limits must be positive")
	case c.BalanceCriticalThreshold > c.BalanceLowThreshold:
		return errors.New("BALANCE_CRITICAL_THRESHOLD must not exceed BALANCE_LOW_THRESHOLD")
	case c.WelcomeBonusCredits < 0:
		return errors.New("WELCOME_BONUS_CREDITS must not be negative")
	case c.RetentionDays <= 0:
		return errors.New("RETENTION_DAYS must be positive")
	}
	return nil
}

// normalizeBaseURL defaults the scheme and strips trailing slashes so path joins stay predictable.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt64List(key string) ([]int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s entry %q: %w", key, part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// loadEnvFile loads the first env file found. A missing file is not an error:
// containers usually inject the environment directly.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
