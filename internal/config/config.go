package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally seeded from a .env file in the working directory.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	AIRisk    AIRiskConfig
	Broker    BrokerConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// PublicBaseURL prefixes code image references and QR payloads.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// ServiceAccounts may exchange client credentials for tokens.
	// AUTH_SERVICE_ACCOUNTS: client_id:secret:role[:manufacturer_id], comma separated.
	ServiceAccounts []ServiceAccount
}

// ServiceAccount is a machine client such as a regulator integration or a manufacturer's ERP.
type ServiceAccount struct {
	ClientID       string
	Secret         string
	Role           string
	ManufacturerID string
}

type RateLimitConfig struct {
	// Backend selects the counter store: postgres or redis.
	Backend       string
	DefaultHourly int
	DefaultDaily  int
}

type AIRiskConfig struct {
	Enabled bool
	URL     string
	APIKey  string
	Timeout time.Duration
}

type BrokerConfig struct {
	// RabbitMQURL is optional; empty disables alert event publishing.
	RabbitMQURL string
	Exchange    string
}

type SchedulerConfig struct {
	Tick time.Duration
}

const (
	RateLimitBackendPostgres = "postgres"
	RateLimitBackendRedis    = "redis"
)

func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	if accounts, err := parseServiceAccounts(os.Getenv("AUTH_SERVICE_ACCOUNTS")); err != nil {
		parseErrs = append(parseErrs, err)
	} else {
		c.Auth.ServiceAccounts = accounts
	}

	c.RateLimit.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("RATE_LIMIT_BACKEND")))
	{
		n, err := optInt("RATE_LIMIT_DEFAULT_HOURLY", 10)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.DefaultHourly = n
	}
	{
		n, err := optInt("RATE_LIMIT_DEFAULT_DAILY", 100)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.DefaultDaily = n
	}

	c.AIRisk.Enabled = boolEnv("AI_RISK_ENABLED")
	c.AIRisk.URL = strings.TrimSpace(os.Getenv("AI_RISK_URL"))
	c.AIRisk.APIKey = os.Getenv("AI_RISK_API_KEY")
	c.AIRisk.Timeout = mustDuration("AI_RISK_TIMEOUT")

	c.Broker.RabbitMQURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	c.Broker.Exchange = strings.TrimSpace(os.Getenv("RABBITMQ_EXCHANGE"))

	c.Scheduler.Tick = mustDuration("SCHEDULER_TICK")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills environment-aware defaults.
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
	if c.App.PublicBaseURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production"))
		} else {
			c.App.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.App.Port)
		}
	} else if _, err := url.ParseRequestURI(c.App.PublicBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("APP_PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
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

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitBackendPostgres
	}
	switch c.RateLimit.Backend {
	case RateLimitBackendPostgres:
	case RateLimitBackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when RATE_LIMIT_BACKEND=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be one of postgres, redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.DefaultHourly <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_DEFAULT_HOURLY must be > 0, got %d", c.RateLimit.DefaultHourly))
	}
	if c.RateLimit.DefaultDaily < c.RateLimit.DefaultHourly {
		errs = append(errs, errors.New("RATE_LIMIT_DEFAULT_DAILY must be >= RATE_LIMIT_DEFAULT_HOURLY"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	seenClients := map[string]bool{}
	for _, a := range c.Auth.ServiceAccounts {
		if seenClients[a.ClientID] {
			errs = append(errs, fmt.Errorf("AUTH_SERVICE_ACCOUNTS: duplicate client %q", a.ClientID))
		}
		seenClients[a.ClientID] = true
		if c.IsProduction() && len(a.Secret) < minServiceSecretLen {
			errs = append(errs, fmt.Errorf("AUTH_SERVICE_ACCOUNTS: secret for %q must be at least %d characters in production", a.ClientID, minServiceSecretLen))
		}
	}

	if c.AIRisk.Enabled && c.AIRisk.URL == "" {
		errs = append(errs, errors.New("AI_RISK_URL is required when AI_RISK_ENABLED=true"))
	}
	if c.AIRisk.Timeout <= 0 {
		c.AIRisk.Timeout = 3 * time.Second
	}

	if c.Broker.RabbitMQURL != "" && c.Broker.Exchange == "" {
		c.Broker.Exchange = "authenticity.alerts"
	}

	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = 30 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

const minServiceSecretLen = 32

func parseServiceAccounts(raw string) ([]ServiceAccount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []ServiceAccount
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, errors.New("AUTH_SERVICE_ACCOUNTS entries must be client_id:secret:role[:manufacturer_id]")
		}
		a := ServiceAccount{
			ClientID: strings.TrimSpace(parts[0]),
			Secret:   parts[1],
			Role:     strings.TrimSpace(parts[2]),
		}
		if len(parts) == 4 {
			a.ManufacturerID = strings.TrimSpace(parts[3])
		}
		if a.ClientID == "" || a.Secret == "" || a.Role == "" {
			return nil, fmt.Errorf("AUTH_SERVICE_ACCOUNTS entry %q is incomplete", a.ClientID)
		}
		out = append(out, a)
	}
	return out, nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func boolEnv(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
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
