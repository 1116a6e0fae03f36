package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the engine process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	ConvAI    ConvAIConfig
	Scheduler SchedulerConfig
	Bridge    BridgeConfig
	CRM       CRMConfig
	Dedup     DedupConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// PublicBaseURL is where the carrier and the AI platform reach this service.
	PublicBaseURL string

	// Provider selects the telephony adapter: twilio or simulated.
	Provider string
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

	// Operators maps operator id to role (AUTH_OPERATORS="alice:admin,bob:viewer").
	// When set, login and refresh take roles from it instead of the request.
	Operators map[string]string
}

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	APIBaseURL     string
	CallsPerSecond float64
	// SkipSignature disables webhook signature checks outside production.
	SkipSignature bool
}

type ConvAIConfig struct {
	APIKey        string
	AgentID       string
	WebsocketURL  string
	WebhookSecret string
}

type SchedulerConfig struct {
	WatchdogInterval        time.Duration
	StaleCallingAfter       time.Duration
	ConsecutiveFailureLimit int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration

	// AccountCallCap bounds simultaneous calls across all campaigns and processes; zero disables it.
	AccountCallCap int
}

type BridgeConfig struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
}

type CRMConfig struct {
	// Transport is one of webhook, sendgrid, none.
	Transport     string
	WebhookURL    string
	WebhookToken  string
	SendGridKey   string
	FromEmail     string
	FromName      string
	Recipient     string
	MaxAttempts   int
	RatePerSecond float64
}

type DedupConfig struct {
	TTL time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs, mustInt("APP_PORT"))
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	c.App.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("TELEPHONY_PROVIDER")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs, mustInt("DB_PORT"))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs, mustInt("REDIS_PORT"))
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = collect(parseErrs, optionalDuration("JWT_ACCESS_TTL"))
	c.Auth.RefreshTokenTTL, parseErrs = collect(parseErrs, optionalDuration("JWT_REFRESH_TTL"))
	c.Auth.Operators, parseErrs = collect(parseErrs, optionalRoster("AUTH_OPERATORS"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Twilio.CallsPerSecond, parseErrs = collect(parseErrs, optionalFloat("TWILIO_CALLS_PER_SECOND"))
	c.Twilio.SkipSignature, parseErrs = collect(parseErrs, optionalBool("TWILIO_SKIP_SIGNATURE"))

	c.ConvAI.APIKey = os.Getenv("CONVAI_API_KEY")
	c.ConvAI.AgentID = strings.TrimSpace(os.Getenv("CONVAI_AGENT_ID"))
	c.ConvAI.WebsocketURL = strings.TrimSpace(os.Getenv("CONVAI_WS_URL"))
	c.ConvAI.WebhookSecret = os.Getenv("CONVAI_WEBHOOK_SECRET")

	c.Scheduler.WatchdogInterval, parseErrs = collect(parseErrs, optionalDuration("SCHEDULER_WATCHDOG_INTERVAL"))
	c.Scheduler.StaleCallingAfter, parseErrs = collect(parseErrs, optionalDuration("SCHEDULER_STALE_CALLING_AFTER"))
	c.Scheduler.ConsecutiveFailureLimit, parseErrs = collect(parseErrs, optionalInt("SCHEDULER_FAILURE_LIMIT"))
	c.Scheduler.RetryBaseDelay, parseErrs = collect(parseErrs, optionalDuration("SCHEDULER_RETRY_BASE_DELAY"))
	c.Scheduler.RetryMaxDelay, parseErrs = collect(parseErrs, optionalDuration("SCHEDULER_RETRY_MAX_DELAY"))
	c.Scheduler.AccountCallCap, parseErrs = collect(parseErrs, optionalInt("ACCOUNT_CALL_CAP"))

	c.Bridge.InactivityTimeout, parseErrs = collect(parseErrs, optionalDuration("BRIDGE_INACTIVITY_TIMEOUT"))
	c.Bridge.SweepInterval, parseErrs = collect(parseErrs, optionalDuration("BRIDGE_SWEEP_INTERVAL"))

	c.CRM.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("CRM_TRANSPORT")))
	c.CRM.WebhookURL = strings.TrimSpace(os.Getenv("CRM_WEBHOOK_URL"))
	c.CRM.WebhookToken = os.Getenv("CRM_WEBHOOK_TOKEN")
	c.CRM.SendGridKey = os.Getenv("SENDGRID_API_KEY")
	c.CRM.FromEmail = strings.TrimSpace(os.Getenv("CRM_FROM_EMAIL"))
	c.CRM.FromName = strings.TrimSpace(os.Getenv("CRM_FROM_NAME"))
	c.CRM.Recipient = strings.TrimSpace(os.Getenv("CRM_RECIPIENT"))
	c.CRM.MaxAttempts, parseErrs = collect(parseErrs, optionalInt("CRM_MAX_ATTEMPTS"))
	c.CRM.RatePerSecond, parseErrs = collect(parseErrs, optionalFloat("CRM_RATE_PER_SECOND"))

	c.Dedup.TTL, parseErrs = collect(parseErrs, optionalDuration("DEDUP_TTL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults.
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
	if c.App.Provider == "" {
		c.App.Provider = "twilio"
	}
	switch c.App.Provider {
	case "twilio":
	case "simulated":
		if c.IsProduction() {
			errs = append(errs, errors.New("TELEPHONY_PROVIDER=simulated is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_PROVIDER must be one of twilio, simulated, got %q", c.App.Provider))
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

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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

	if c.App.Provider == "twilio" {
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required for twilio callbacks"))
		}
		if c.ConvAI.APIKey == "" {
			errs = append(errs, errors.New("CONVAI_API_KEY is required"))
		}
	}
	if c.Twilio.CallsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("TWILIO_CALLS_PER_SECOND must be >= 0, got %v", c.Twilio.CallsPerSecond))
	}
	if c.Twilio.SkipSignature && c.IsProduction() {
		errs = append(errs, errors.New("TWILIO_SKIP_SIGNATURE is not allowed in production"))
	}
	if c.IsProduction() && c.ConvAI.WebhookSecret == "" {
		errs = append(errs, errors.New("CONVAI_WEBHOOK_SECRET is required in production"))
	}

	if c.Scheduler.ConsecutiveFailureLimit < 0 {
		errs = append(errs, errors.New("SCHEDULER_FAILURE_LIMIT must be >= 0"))
	}
	if c.Scheduler.AccountCallCap < 0 {
		errs = append(errs, errors.New("ACCOUNT_CALL_CAP must be >= 0"))
	}
	if c.Scheduler.RetryMaxDelay > 0 && c.Scheduler.RetryBaseDelay > c.Scheduler.RetryMaxDelay {
		errs = append(errs, errors.New("SCHEDULER_RETRY_BASE_DELAY must not exceed SCHEDULER_RETRY_MAX_DELAY"))
	}

	if c.CRM.Transport == "" {
		c.CRM.Transport = "none"
	}
	switch c.CRM.Transport {
	case "none":
	case "webhook":
		if c.CRM.WebhookURL == "" {
			errs = append(errs, errors.New("CRM_WEBHOOK_URL is required for the webhook transport"))
		}
	case "sendgrid":
		if c.CRM.SendGridKey == "" {
			errs = append(errs, errors.New("SENDGRID_API_KEY is required for the sendgrid transport"))
		}
		if c.CRM.FromEmail == "" {
			errs = append(errs, errors.New("CRM_FROM_EMAIL is required for the sendgrid transport"))
		}
		if c.CRM.Recipient == "" {
			errs = append(errs, errors.New("CRM_RECIPIENT is required for the sendgrid transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("CRM_TRANSPORT must be one of webhook, sendgrid, none, got %q", c.CRM.Transport))
	}
	if c.CRM.MaxAttempts < 0 {
		errs = append(errs, errors.New("CRM_MAX_ATTEMPTS must be >= 0"))
	}

	if c.Dedup.TTL <= 0 {
		c.Dedup.TTL = 24 * time.Hour
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

type parsed[T any] struct {
	v   T
	err error
}

func collect[T any](errs []error, p parsed[T]) (T, []error) {
	if p.err != nil {
		errs = append(errs, p.err)
	}
	return p.v, errs
}

func mustInt(key string) parsed[int] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[int]{err: fmt.Errorf("%s is required", key)}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return parsed[int]{err: fmt.Errorf("%s must be an integer, got %q", key, v)}
	}
	return parsed[int]{v: n}
}

func optionalInt(key string) parsed[int] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[int]{}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return parsed[int]{err: fmt.Errorf("%s must be an integer, got %q", key, v)}
	}
	return parsed[int]{v: n}
}

func optionalFloat(key string) parsed[float64] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[float64]{}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return parsed[float64]{err: fmt.Errorf("%s must be a number, got %q", key, v)}
	}
	return parsed[float64]{v: f}
}

func optionalBool(key string) parsed[bool] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[bool]{}
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return parsed[bool]{err: fmt.Errorf("%s must be a boolean, got %q", key, v)}
	}
	return parsed[bool]{v: b}
}

func optionalRoster(key string) parsed[map[string]string] {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return parsed[map[string]string]{}
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		id, role, ok := strings.Cut(strings.TrimSpace(entry), ":")
		id, role = strings.TrimSpace(id), strings.TrimSpace(role)
		if !ok || id == "" || role == "" {
			return parsed[map[string]string]{err: fmt.Errorf("%s entries must be operator:role, got %q", key, entry)}
		}
		out[id] = role
	}
	return parsed[map[string]string]{v: out}
}

func optionalDuration(key string) parsed[time.Duration] {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return parsed[time.Duration]{}
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return parsed[time.Duration]{err: fmt.Errorf("%s must be a duration, got %q", key, v)}
	}
	return parsed[time.Duration]{v: d}
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
