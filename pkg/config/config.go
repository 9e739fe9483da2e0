package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/permcache"
	"github.com/platinummonkey/spoke-iam/pkg/session"
	"github.com/platinummonkey/spoke-iam/pkg/storage/postgres"
)

// envPrefix prefixes every environment variable read by LoadConfig
const envPrefix = "SPOKE_IAM_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Cache         CacheConfig         `yaml:"cache"`
	Sessions      SessionConfig       `yaml:"sessions"`
	Audit         AuditConfig         `yaml:"audit"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable only behind
	// a proxy that overwrites them.
	TrustProxy bool `yaml:"trust_proxy"`

	// SecureCookies sets the Secure attribute on auth cookies. Disable only
	// for local plain-HTTP development.
	SecureCookies bool `yaml:"secure_cookies"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL           string        `yaml:"url"`
	MaxConns      int           `yaml:"max_conns"`
	MinConns      int           `yaml:"min_conns"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxLifetime   time.Duration `yaml:"max_lifetime"`
	RunMigrations bool          `yaml:"run_migrations"`
}

// RedisConfig holds Redis settings. Redis is optional unless the cache or
// the login rate limiter uses it.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"-"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
}

// AuthConfig holds token, password and login settings. Secrets are never
// read from the YAML file.
type AuthConfig struct {
	AccessSecret     []byte        `yaml:"-"`
	RefreshSecret    []byte        `yaml:"-"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	Issuer           string        `yaml:"issuer"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	BcryptCost       int           `yaml:"bcrypt_cost"`

	LoginRateLimit   int           `yaml:"login_rate_limit"`
	LoginRateWindow  time.Duration `yaml:"login_rate_window"`
	LoginRateBurst   int           `yaml:"login_rate_burst"`
	RateLimitBackend string        `yaml:"rate_limit_backend"`
}

// CacheConfig holds permission cache settings
type CacheConfig struct {
	Backend        string        `yaml:"backend"`
	Size           int           `yaml:"size"`
	TTL            time.Duration `yaml:"ttl"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`

	// WarmUpPrincipals bounds how many principals with live sessions are
	// resolved into the cache at startup. Zero disables warm-up.
	WarmUpPrincipals int `yaml:"warmup_principals"`
}

// SessionConfig holds session purge settings. A session lives as long as
// its refresh token, see SessionTTL.
type SessionConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeSchedule string        `yaml:"purge_schedule"`
	PurgeTimeout  time.Duration `yaml:"purge_timeout"`
}

// AuditConfig holds audit writer settings
type AuditConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	AppendTimeout time.Duration `yaml:"append_timeout"`
	LogRecords    bool          `yaml:"log_records"`

	// FileDir enables the append-only JSON lines audit file when set
	FileDir       string `yaml:"file_dir"`
	FileMaxSizeMB int    `yaml:"file_max_size_mb"`
	FileMaxFiles  int    `yaml:"file_max_files"`
}

// RBACConfig holds RBAC bootstrap settings. When BootstrapUsername is set
// and no such principal exists, one is created with the password from
// SPOKE_IAM_BOOTSTRAP_PASSWORD and assigned BootstrapRole.
type RBACConfig struct {
	SeedFile          string `yaml:"seed_file"`
	BootstrapUsername string `yaml:"bootstrap_username"`
	BootstrapRole     string `yaml:"bootstrap_role"`
	BootstrapPassword []byte `yaml:"-"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	conn := postgres.DefaultConnectionConfig("")
	janitor := session.DefaultJanitorConfig()
	writer := audit.DefaultWriterConfig()
	limit := middleware.DefaultLoginRateLimitConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			SecureCookies:   true,
		},
		Database: DatabaseConfig{
			MaxConns:      conn.MaxConns,
			MinConns:      conn.MinConns,
			Timeout:       conn.Timeout,
			MaxLifetime:   conn.MaxLifetime,
			RunMigrations: true,
		},
		Auth: AuthConfig{
			AccessTTL:        auth.DefaultAccessTTL,
			RefreshTTL:       auth.DefaultRefreshTTL,
			Issuer:           auth.DefaultIssuer,
			LockoutThreshold: auth.DefaultLockoutThreshold,
			BcryptCost:       auth.DefaultBcryptCost,
			LoginRateLimit:   limit.RequestsPerWindow,
			LoginRateWindow:  limit.WindowDuration,
			LoginRateBurst:   limit.BurstSize,
			RateLimitBackend: "memory",
		},
		Cache: CacheConfig{
			Backend:          "lru",
			Size:             10000,
			TTL:              permcache.DefaultTTL,
			ResolveTimeout:   permcache.DefaultResolveTimeout,
			WarmUpPrincipals: 1000,
		},
		Sessions: SessionConfig{
			Retention:     janitor.Retention,
			PurgeSchedule: janitor.Schedule,
			PurgeTimeout:  janitor.Timeout,
		},
		Audit: AuditConfig{
			QueueSize:     writer.QueueSize,
			AppendTimeout: writer.AppendTimeout,
			FileMaxSizeMB: int(audit.DefaultFileMaxSize >> 20),
			FileMaxFiles:  audit.DefaultFileMaxFiles,
		},
		RBAC: RBACConfig{
			BootstrapRole: "Administrator",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "spoke-iam",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file
// named by SPOKE_IAM_CONFIG_FILE if set, then environment variables, and
// validates the result. Missing secrets are reported as
// auth.ErrConfigurationMissing.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(envPrefix+"CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables; unset variables keep the
// current value
func (c *Config) applyEnv() {
	c.Server.Host = getEnv(envPrefix+"HOST", c.Server.Host)
	c.Server.Port = getEnv(envPrefix+"PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration(envPrefix+"READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration(envPrefix+"WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration(envPrefix+"IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration(envPrefix+"SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MaxBodyBytes = getEnvInt64(envPrefix+"MAX_BODY_BYTES", c.Server.MaxBodyBytes)
	c.Server.TrustProxy = getEnvBool(envPrefix+"TRUST_PROXY", c.Server.TrustProxy)
	c.Server.SecureCookies = getEnvBool(envPrefix+"SECURE_COOKIES", c.Server.SecureCookies)

	c.Database.URL = getEnv(envPrefix+"DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = getEnvInt(envPrefix+"DATABASE_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt(envPrefix+"DATABASE_MIN_CONNS", c.Database.MinConns)
	c.Database.Timeout = getEnvDuration(envPrefix+"DATABASE_TIMEOUT", c.Database.Timeout)
	c.Database.MaxLifetime = getEnvDuration(envPrefix+"DATABASE_MAX_LIFETIME", c.Database.MaxLifetime)
	c.Database.RunMigrations = getEnvBool(envPrefix+"RUN_MIGRATIONS", c.Database.RunMigrations)

	c.Redis.URL = getEnv(envPrefix+"REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv(envPrefix+"REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt(envPrefix+"REDIS_DB", c.Redis.DB)
	c.Redis.MaxRetries = getEnvInt(envPrefix+"REDIS_MAX_RETRIES", c.Redis.MaxRetries)
	c.Redis.PoolSize = getEnvInt(envPrefix+"REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Auth.AccessTTL = getEnvDuration(envPrefix+"ACCESS_TTL", c.Auth.AccessTTL)
	c.Auth.RefreshTTL = getEnvDuration(envPrefix+"REFRESH_TTL", c.Auth.RefreshTTL)
	c.Auth.Issuer = getEnv(envPrefix+"ISSUER", c.Auth.Issuer)
	c.Auth.LockoutThreshold = getEnvInt(envPrefix+"LOCKOUT_THRESHOLD", c.Auth.LockoutThreshold)
	c.Auth.BcryptCost = getEnvInt(envPrefix+"BCRYPT_COST", c.Auth.BcryptCost)
	c.Auth.LoginRateLimit = getEnvInt(envPrefix+"LOGIN_RATE_LIMIT", c.Auth.LoginRateLimit)
	c.Auth.LoginRateWindow = getEnvDuration(envPrefix+"LOGIN_RATE_WINDOW", c.Auth.LoginRateWindow)
	c.Auth.LoginRateBurst = getEnvInt(envPrefix+"LOGIN_RATE_BURST", c.Auth.LoginRateBurst)
	c.Auth.RateLimitBackend = strings.ToLower(getEnv(envPrefix+"RATE_LIMIT_BACKEND", c.Auth.RateLimitBackend))

	c.Cache.Backend = strings.ToLower(getEnv(envPrefix+"CACHE_BACKEND", c.Cache.Backend))
	c.Cache.Size = getEnvInt(envPrefix+"CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration(envPrefix+"CACHE_TTL", c.Cache.TTL)
	c.Cache.ResolveTimeout = getEnvDuration(envPrefix+"CACHE_RESOLVE_TIMEOUT", c.Cache.ResolveTimeout)
	c.Cache.WarmUpPrincipals = getEnvInt(envPrefix+"CACHE_WARMUP_PRINCIPALS", c.Cache.WarmUpPrincipals)

	c.Sessions.Retention = getEnvDuration(envPrefix+"SESSION_RETENTION", c.Sessions.Retention)
	c.Sessions.PurgeSchedule = getEnv(envPrefix+"SESSION_PURGE_SCHEDULE", c.Sessions.PurgeSchedule)
	c.Sessions.PurgeTimeout = getEnvDuration(envPrefix+"SESSION_PURGE_TIMEOUT", c.Sessions.PurgeTimeout)

	c.Audit.QueueSize = getEnvInt(envPrefix+"AUDIT_QUEUE_SIZE", c.Audit.QueueSize)
	c.Audit.AppendTimeout = getEnvDuration(envPrefix+"AUDIT_APPEND_TIMEOUT", c.Audit.AppendTimeout)
	c.Audit.LogRecords = getEnvBool(envPrefix+"AUDIT_LOG_RECORDS", c.Audit.LogRecords)
	c.Audit.FileDir = getEnv(envPrefix+"AUDIT_FILE_DIR", c.Audit.FileDir)
	c.Audit.FileMaxSizeMB = getEnvInt(envPrefix+"AUDIT_FILE_MAX_SIZE_MB", c.Audit.FileMaxSizeMB)
	c.Audit.FileMaxFiles = getEnvInt(envPrefix+"AUDIT_FILE_MAX_FILES", c.Audit.FileMaxFiles)

	c.RBAC.SeedFile = getEnv(envPrefix+"RBAC_SEED_FILE", c.RBAC.SeedFile)
	c.RBAC.BootstrapUsername = getEnv(envPrefix+"BOOTSTRAP_USERNAME", c.RBAC.BootstrapUsername)
	c.RBAC.BootstrapRole = getEnv(envPrefix+"BOOTSTRAP_ROLE", c.RBAC.BootstrapRole)

	c.Observability.LogLevel = getEnv(envPrefix+"LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv(envPrefix+"LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsEnabled = getEnvBool(envPrefix+"METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool(envPrefix+"OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv(envPrefix+"OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv(envPrefix+"OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv(envPrefix+"OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool(envPrefix+"OTEL_INSECURE", c.Observability.OTelInsecure)
	c.Observability.OTelSampleRatio = getEnvFloat(envPrefix+"OTEL_SAMPLE_RATIO", c.Observability.OTelSampleRatio)
}

func (c *Config) loadSecrets() error {
	access, err := getSecret(envPrefix + "ACCESS_SECRET")
	if err != nil {
		return err
	}
	refresh, err := getSecret(envPrefix + "REFRESH_SECRET")
	if err != nil {
		return err
	}
	c.Auth.AccessSecret = access
	c.Auth.RefreshSecret = refresh

	if c.RBAC.BootstrapUsername != "" {
		password, err := getSecret(envPrefix + "BOOTSTRAP_PASSWORD")
		if err != nil {
			return err
		}
		c.RBAC.BootstrapPassword = password
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Signer().Validate(); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: %sDATABASE_URL is not set", auth.ErrConfigurationMissing, envPrefix)
	}

	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.Auth.LockoutThreshold <= 0 {
		return fmt.Errorf("lockout threshold must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost must be between 4 and 31")
	}
	if c.Sessions.Retention < 0 {
		return fmt.Errorf("session retention must not be negative")
	}
	if c.Cache.WarmUpPrincipals < 0 {
		return fmt.Errorf("cache warm-up size must not be negative")
	}
	if c.Audit.FileDir != "" && (c.Audit.FileMaxSizeMB <= 0 || c.Audit.FileMaxFiles <= 0) {
		return fmt.Errorf("audit file size and file count must be positive")
	}

	switch c.Cache.Backend {
	case "lru":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be lru or redis)", c.Cache.Backend)
	}

	switch c.Auth.RateLimitBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.Auth.RateLimitBackend)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Signer returns the token signer settings
func (c *Config) Signer() auth.SignerConfig {
	return auth.SignerConfig{
		AccessSecret:  c.Auth.AccessSecret,
		RefreshSecret: c.Auth.RefreshSecret,
		AccessTTL:     c.Auth.AccessTTL,
		RefreshTTL:    c.Auth.RefreshTTL,
		Issuer:        c.Auth.Issuer,
	}
}

// Connection returns the PostgreSQL pool settings
func (c *Config) Connection() postgres.ConnectionConfig {
	conn := postgres.DefaultConnectionConfig(c.Database.URL)
	conn.MaxConns = c.Database.MaxConns
	conn.MinConns = c.Database.MinConns
	conn.Timeout = c.Database.Timeout
	conn.MaxLifetime = c.Database.MaxLifetime
	return conn
}

// RedisOptions returns the Redis client settings
func (c *Config) RedisOptions() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        c.Redis.URL,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		MaxRetries: c.Redis.MaxRetries,
		PoolSize:   c.Redis.PoolSize,
	}
}

// UsesRedis reports whether any component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Cache.Backend == "redis" || c.Auth.RateLimitBackend == "redis"
}

// LoginRateLimit returns the per-IP login limit
func (c *Config) LoginRateLimit() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerWindow: c.Auth.LoginRateLimit,
		WindowDuration:    c.Auth.LoginRateWindow,
		BurstSize:         c.Auth.LoginRateBurst,
	}
}

// SessionTTL is the session ledger lifetime. It is the refresh token
// lifetime so a session row never outlives or precedes its token.
func (c *Config) SessionTTL() time.Duration {
	return c.Auth.RefreshTTL
}

// Janitor returns the session purge settings
func (c *Config) Janitor() session.JanitorConfig {
	return session.JanitorConfig{
		Schedule:  c.Sessions.PurgeSchedule,
		Retention: c.Sessions.Retention,
		Timeout:   c.Sessions.PurgeTimeout,
	}
}

// AuditWriter returns the audit writer settings
func (c *Config) AuditWriter() audit.WriterConfig {
	return audit.WriterConfig{
		QueueSize:     c.Audit.QueueSize,
		AppendTimeout: c.Audit.AppendTimeout,
	}
}

// AuditFile returns the audit file sink settings
func (c *Config) AuditFile() audit.FileSinkConfig {
	return audit.FileSinkConfig{
		Dir:      c.Audit.FileDir,
		MaxSize:  int64(c.Audit.FileMaxSizeMB) << 20,
		MaxFiles: c.Audit.FileMaxFiles,
	}
}

// Tracing returns the OpenTelemetry settings
func (c *Config) Tracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}

// getSecret reads key from the environment, or from the file named by
// key_FILE. A single trailing newline is stripped from file contents.
func getSecret(key string) ([]byte, error) {
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read %s_FILE: %v", auth.ErrConfigurationMissing, key, err)
		}
		data = bytes.TrimSuffix(data, []byte("\n"))
		data = bytes.TrimSuffix(data, []byte("\r"))
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s_FILE is empty", auth.ErrConfigurationMissing, key)
		}
		return data, nil
	}
	value := os.Getenv(key)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is not set", auth.ErrConfigurationMissing, key)
	}
	return []byte(value), nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
