package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Workers  WorkersConfig
	Business BusinessConfig
	Notify   NotifyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// WorkersConfig tunes the background sweeps. Zero values get defaults in Validate.
type WorkersConfig struct {
	Enabled bool
	// DistributedLock serializes each job across processes through Redis.
	DistributedLock bool

	ReminderInterval time.Duration
	ReminderWindow   time.Duration
	ReminderGap      time.Duration

	OverdueInterval time.Duration
	OverdueGap      time.Duration

	DigestCron string

	EscalationInterval    time.Duration
	EscalateHighAfter     time.Duration
	EscalateMediumAfter   time.Duration
	EscalateReschedulesAt int

	CleanupInterval time.Duration
	CleanupAge      time.Duration

	AutomationInterval time.Duration
	StaleFollowupAfter time.Duration
}

type BusinessConfig struct {
	StartHour int
	EndHour   int
	Timezone  string
}

type NotifyConfig struct {
	// Channel is the Redis pub/sub channel prefix.
	Channel string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

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
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Workers.Enabled = optionalBool("WORKERS_ENABLED", true)
	c.Workers.DistributedLock = optionalBool("WORKER_DISTRIBUTED_LOCK", false)
	c.Workers.ReminderInterval = mustDuration("WORKER_REMINDER_INTERVAL")
	c.Workers.ReminderWindow = mustDuration("WORKER_REMINDER_WINDOW")
	c.Workers.ReminderGap = mustDuration("WORKER_REMINDER_GAP")
	c.Workers.OverdueInterval = mustDuration("WORKER_OVERDUE_INTERVAL")
	c.Workers.OverdueGap = mustDuration("WORKER_OVERDUE_GAP")
	c.Workers.DigestCron = strings.TrimSpace(os.Getenv("DIGEST_CRON"))
	c.Workers.EscalationInterval = mustDuration("WORKER_ESCALATION_INTERVAL")
	c.Workers.EscalateHighAfter = mustDuration("WORKER_ESCALATE_HIGH_AFTER")
	c.Workers.EscalateMediumAfter = mustDuration("WORKER_ESCALATE_MEDIUM_AFTER")
	{
		n, err := optionalInt("WORKER_ESCALATE_RESCHEDULES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Workers.EscalateReschedulesAt = n
	}
	c.Workers.CleanupInterval = mustDuration("WORKER_CLEANUP_INTERVAL")
	c.Workers.CleanupAge = mustDuration("WORKER_CLEANUP_AGE")
	c.Workers.AutomationInterval = mustDuration("WORKER_AUTOMATION_INTERVAL")
	c.Workers.StaleFollowupAfter = mustDuration("WORKER_STALE_FOLLOWUP_AFTER")

	{
		n, err := optionalInt("BUSINESS_HOURS_START")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Business.StartHour = n
	}
	{
		n, err := optionalInt("BUSINESS_HOURS_END")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Business.EndHour = n
	}
	c.Business.Timezone = strings.TrimSpace(os.Getenv("BUSINESS_TIMEZONE"))

	c.Notify.Channel = strings.TrimSpace(os.Getenv("NOTIFY_CHANNEL"))

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

	c.Workers.applyDefaults()
	if _, err := cron.ParseStandard(c.Workers.DigestCron); err != nil {
		errs = append(errs, fmt.Errorf("DIGEST_CRON is not a valid cron spec: %v", err))
	}
	if c.Workers.ReminderGap < c.Workers.ReminderInterval {
		errs = append(errs, errors.New("WORKER_REMINDER_GAP must not be shorter than WORKER_REMINDER_INTERVAL"))
	}

	if c.Business.StartHour == 0 && c.Business.EndHour == 0 {
		c.Business.StartHour, c.Business.EndHour = 9, 17
	}
	if c.Business.StartHour < 0 || c.Business.EndHour > 24 || c.Business.StartHour >= c.Business.EndHour {
		errs = append(errs, fmt.Errorf("BUSINESS_HOURS_START/END must satisfy 0 <= start < end <= 24, got %d-%d", c.Business.StartHour, c.Business.EndHour))
	}
	if c.Business.Timezone == "" {
		c.Business.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("BUSINESS_TIMEZONE is not a known IANA zone: %q", c.Business.Timezone))
	}

	if c.Notify.Channel == "" {
		c.Notify.Channel = "crm:notifications"
	}

	return joinErrors(errs)
}

func (w *WorkersConfig) applyDefaults() {
	setDuration(&w.ReminderInterval, 5*time.Minute)
	setDuration(&w.ReminderWindow, 15*time.Minute)
	setDuration(&w.ReminderGap, 30*time.Minute)
	setDuration(&w.OverdueInterval, 30*time.Minute)
	setDuration(&w.OverdueGap, 4*time.Hour)
	if w.DigestCron == "" {
		w.DigestCron = "0 8 * * *"
	}
	setDuration(&w.EscalationInterval, time.Hour)
	setDuration(&w.EscalateHighAfter, 2*time.Hour)
	setDuration(&w.EscalateMediumAfter, 24*time.Hour)
	if w.EscalateReschedulesAt <= 0 {
		w.EscalateReschedulesAt = 3
	}
	setDuration(&w.CleanupInterval, 4*time.Hour)
	setDuration(&w.CleanupAge, 24*time.Hour)
	setDuration(&w.AutomationInterval, 15*time.Minute)
	setDuration(&w.StaleFollowupAfter, 48*time.Hour)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
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
