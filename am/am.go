// Package am holds reportd's configuration: a single Config tree loaded by viper
// from defaults, TOML files and REPORTD_* environment variables.
package am

import "time"

// Config represents the complete reportd configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Delivery DeliveryConfig `mapstructure:"delivery" toml:"delivery"`
	Report   ReportConfig   `mapstructure:"report" toml:"report"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int        `mapstructure:"port" toml:"port"`
	AllowedOrigins []string   `mapstructure:"allowed_origins" toml:"allowed_origins"`
	Auth           AuthConfig `mapstructure:"auth" toml:"auth"`
}

// AuthConfig enables bearer-token auth on mutating routes when JWTSecret is set
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `mapstructure:"issuer" toml:"issuer"`
}

// DefaultServerPort is the API port when none is configured
const DefaultServerPort = 8740

// PulseConfig configures the scheduler, execution engine and worker pool
type PulseConfig struct {
	Workers                 int         `mapstructure:"workers" toml:"workers"`
	TickerIntervalSeconds   int         `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"`
	ScanBatchSize           int         `mapstructure:"scan_batch_size" toml:"scan_batch_size"`
	ExecutionTimeoutSeconds int         `mapstructure:"execution_timeout_seconds" toml:"execution_timeout_seconds"`
	StaleThresholdSeconds   int         `mapstructure:"stale_threshold_seconds" toml:"stale_threshold_seconds"`
	Retry                   RetryConfig `mapstructure:"retry" toml:"retry"`
}

// RetryConfig is the default policy for schedules that do not set their own
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts" toml:"max_attempts"`
	BaseDelayMS int64   `mapstructure:"base_delay_ms" toml:"base_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier" toml:"multiplier"`
	MaxDelayMS  int64   `mapstructure:"max_delay_ms" toml:"max_delay_ms"` // 0 = uncapped
}

// TickerInterval returns the scanner tick as a duration
func (p PulseConfig) TickerInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// ExecutionTimeout returns the per-execution wall-clock limit
func (p PulseConfig) ExecutionTimeout() time.Duration {
	return time.Duration(p.ExecutionTimeoutSeconds) * time.Second
}

// StaleThreshold returns the age after which a running execution is treated as orphaned at startup
func (p PulseConfig) StaleThreshold() time.Duration {
	return time.Duration(p.StaleThresholdSeconds) * time.Second
}

// DeliveryConfig configures the delivery channels
type DeliveryConfig struct {
	TimeoutSeconds  int               `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RatePerMinute   int               `mapstructure:"rate_per_minute" toml:"rate_per_minute"` // per channel, 0 = unlimited
	AllowPrivateIPs bool              `mapstructure:"allow_private_ips" toml:"allow_private_ips"`
	SMTP            SMTPConfig        `mapstructure:"smtp" toml:"smtp"`
	FileStorage     FileStorageConfig `mapstructure:"file_storage" toml:"file_storage"`
	S3              S3Config          `mapstructure:"s3" toml:"s3"`
}

// Timeout returns the per-attempt delivery limit
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Host     string `mapstructure:"host" toml:"host"`
	Port     int    `mapstructure:"port" toml:"port"`
	Username string `mapstructure:"username" toml:"username"`
	Password string `mapstructure:"password" toml:"password"`
	From     string `mapstructure:"from" toml:"from"`
}

// FileStorageConfig configures the local backend of the file_storage channel
type FileStorageConfig struct {
	BaseDir string `mapstructure:"base_dir" toml:"base_dir"`
}

// S3Config configures the s3 backend of the file_storage channel.
// Empty credentials fall back to the AWS default chain.
type S3Config struct {
	Region          string `mapstructure:"region" toml:"region"`
	Endpoint        string `mapstructure:"endpoint" toml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style" toml:"use_path_style"`
}

// ReportConfig configures the script report generator.
// Command is split shell-style; {script} is replaced by the resolved template path.
type ReportConfig struct {
	TemplatesDir string `mapstructure:"templates_dir" toml:"templates_dir"`
	Command      string `mapstructure:"command" toml:"command"`
	ContentType  string `mapstructure:"content_type" toml:"content_type"`
	Extension    string `mapstructure:"extension" toml:"extension"`
}

// Redacted returns a copy with secrets masked, for display
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Server.Auth.JWTSecret = mask(c.Server.Auth.JWTSecret)
	c.Delivery.SMTP.Password = mask(c.Delivery.SMTP.Password)
	c.Delivery.S3.SecretAccessKey = mask(c.Delivery.S3.SecretAccessKey)
	return c
}
