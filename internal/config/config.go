package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the voice bridge process.
// Values come from env (optionally seeded from a .env file by main).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	Voice  VoiceConfig
	OpenAI OpenAIConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type VoiceConfig struct {
	// PublicBaseURL is the externally reachable base of this service
	// (e.g. https://voice.example.com). Empty means derive from the request.
	PublicBaseURL string

	BatchWindow     time.Duration
	QueueWindows    int
	DialTimeout     time.Duration
	ShutdownTimeout time.Duration

	SessionRetention time.Duration
	SweepInterval    time.Duration

	MaxConcurrentCalls int
}

type OpenAIConfig struct {
	APIKey      string
	RealtimeURL string
	Model       string
	Voice       string
}

// DBConfig is optional; the archive sink is enabled iff Host is set.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional; the fleet-wide call cap is enabled iff Host is set.
type RedisConfig struct {
	Host string
	Port int
}

// AuthConfig is optional; per-session query routes require a bearer token iff JWTSecret is set.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

const (
	defaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultModel       = "gpt-4o-realtime-preview"
	defaultVoice       = "alloy"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = env("APP_ENV")
	c.App.Port, parseErrs = collect(parseErrs)(mustInt("APP_PORT"))

	c.Voice.PublicBaseURL = strings.TrimRight(env("PUBLIC_BASE_URL"), "/")
	c.Voice.BatchWindow, parseErrs = collectDur(parseErrs)(optDuration("BRIDGE_BATCH_WINDOW"))
	c.Voice.QueueWindows, parseErrs = collect(parseErrs)(optInt("BRIDGE_QUEUE_WINDOWS"))
	c.Voice.DialTimeout, parseErrs = collectDur(parseErrs)(optDuration("BRIDGE_DIAL_TIMEOUT"))
	c.Voice.ShutdownTimeout, parseErrs = collectDur(parseErrs)(optDuration("BRIDGE_SHUTDOWN_TIMEOUT"))
	c.Voice.SessionRetention, parseErrs = collectDur(parseErrs)(optDuration("SESSION_RETENTION"))
	c.Voice.SweepInterval, parseErrs = collectDur(parseErrs)(optDuration("SESSION_SWEEP_INTERVAL"))
	c.Voice.MaxConcurrentCalls, parseErrs = collect(parseErrs)(optInt("MAX_CONCURRENT_CALLS"))

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.RealtimeURL = env("OPENAI_REALTIME_URL")
	c.OpenAI.Model = env("OPENAI_REALTIME_MODEL")
	c.OpenAI.Voice = env("OPENAI_VOICE")

	c.DB.Host = env("DB_HOST")
	if c.DB.Host != "" {
		c.DB.Port, parseErrs = collect(parseErrs)(mustInt("DB_PORT"))
	}
	c.DB.User = env("DB_USER")
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = env("DB_NAME")
	c.DB.SSLMode = env("DB_SSLMODE")

	c.Redis.Host = env("REDIS_HOST")
	if c.Redis.Host != "" {
		c.Redis.Port, parseErrs = collect(parseErrs)(mustInt("REDIS_PORT"))
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = env("JWT_ISSUER")
	c.Auth.JWTAudience = env("JWT_AUDIENCE")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Voice.PublicBaseURL != "" {
		u, err := url.Parse(c.Voice.PublicBaseURL)
		if err != nil || u.Host == "" || !isValidScheme(u.Scheme) {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) or ws(s) URL, got %q", c.Voice.PublicBaseURL))
		}
	}
	if c.Voice.BatchWindow <= 0 {
		c.Voice.BatchWindow = 100 * time.Millisecond
	}
	if c.Voice.BatchWindow < 20*time.Millisecond || c.Voice.BatchWindow > time.Second {
		errs = append(errs, fmt.Errorf("BRIDGE_BATCH_WINDOW must be between 20ms and 1s, got %s", c.Voice.BatchWindow))
	}
	if c.Voice.QueueWindows <= 0 {
		c.Voice.QueueWindows = 10
	}
	if c.Voice.DialTimeout <= 0 {
		c.Voice.DialTimeout = 10 * time.Second
	}
	if c.Voice.ShutdownTimeout <= 0 {
		c.Voice.ShutdownTimeout = 3 * time.Second
	}
	if c.Voice.SessionRetention <= 0 {
		c.Voice.SessionRetention = time.Hour
	}
	if c.Voice.SweepInterval <= 0 {
		c.Voice.SweepInterval = time.Minute
	}
	if c.Voice.MaxConcurrentCalls <= 0 {
		c.Voice.MaxConcurrentCalls = 50
	}

	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.OpenAI.RealtimeURL == "" {
		c.OpenAI.RealtimeURL = defaultRealtimeURL
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = defaultModel
	}
	if c.OpenAI.Voice == "" {
		c.OpenAI.Voice = defaultVoice
	}

	if c.ArchiveEnabled() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.FleetCapEnabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.IsProduction() && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool { return c.App.Env == "production" }

func (c Config) ArchiveEnabled() bool { return c.DB.Host != "" }

func (c Config) FleetCapEnabled() bool { return c.Redis.Host != "" }

func (c Config) AuthEnabled() bool { return c.Auth.JWTSecret != "" }

func (c Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.App.Port) }

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port) }

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func mustInt(key string) (int, error) {
	v := env(key)
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) (int, error) {
	if env(key) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optDuration(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return n, errs
	}
}

func collectDur(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			errs = append(errs, err)
		}
		return d, errs
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidScheme(v string) bool {
	switch v {
	case "http", "https", "ws", "wss":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
