package am

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "reportd.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})
	v.SetDefault("server.auth.issuer", "reportd")

	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.scan_batch_size", 100)
	v.SetDefault("pulse.execution_timeout_seconds", 600) // 10 minutes
	v.SetDefault("pulse.stale_threshold_seconds", 1800)  // must exceed the execution timeout
	v.SetDefault("pulse.retry.max_attempts", 3)
	v.SetDefault("pulse.retry.base_delay_ms", 5000)
	v.SetDefault("pulse.retry.multiplier", 2.0)
	v.SetDefault("pulse.retry.max_delay_ms", 0)

	v.SetDefault("delivery.timeout_seconds", 60)
	v.SetDefault("delivery.rate_per_minute", 60)
	v.SetDefault("delivery.allow_private_ips", false)
	v.SetDefault("delivery.smtp.port", 587)
	v.SetDefault("delivery.file_storage.base_dir", "reports")
	v.SetDefault("delivery.s3.region", "us-east-1")

	v.SetDefault("report.templates_dir", "templates")
	v.SetDefault("report.command", "{script}")
	v.SetDefault("report.content_type", "application/json")
	v.SetDefault("report.extension", ".json")
}

// BindSensitiveEnvVars binds secrets to explicit environment variables so they
// can stay out of TOML files
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("server.auth.jwt_secret", "REPORTD_JWT_SECRET")
	v.BindEnv("delivery.smtp.password", "REPORTD_SMTP_PASSWORD")
	v.BindEnv("delivery.s3.access_key_id", "REPORTD_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	v.BindEnv("delivery.s3.secret_access_key", "REPORTD_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
}
