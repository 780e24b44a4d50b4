package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Env               string        `envconfig:"APP_ENV" default:"development"`
	HTTPPort          int           `envconfig:"HTTP_PORT" default:"8080"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`

	DataBackend string `envconfig:"DATA_BACKEND" default:"memory"`

	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	DBMaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns        int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"30m"`

	RedisURL string `envconfig:"REDIS_URL"`

	JWTSecret       string        `envconfig:"JWT_SECRET"`
	JWTExpiry       time.Duration `envconfig:"JWT_EXPIRY" default:"1h"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`
	AuthRateLimit   float64       `envconfig:"AUTH_RATE_LIMIT" default:"5"`
	AuthRateBurst   int           `envconfig:"AUTH_RATE_BURST" default:"10"`

	Media MediaConfig

	Composition CompositionConfig

	Monitoring MonitoringConfig

	Mail MailConfig

	OTelExporter string `envconfig:"OTEL_EXPORTER" default:"none"`
	OTelEndpoint string `envconfig:"OTEL_ENDPOINT"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// MediaConfig controls where uploaded and composed files live and which
// ffmpeg binaries process them.
type MediaConfig struct {
	Root           string `envconfig:"MEDIA_ROOT" default:"media"`
	Backend        string `envconfig:"MEDIA_BACKEND" default:"local"`
	MinIOEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinIOAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinIOBucket    string `envconfig:"MINIO_BUCKET" default:"daoist-videos"`
	MinIOUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	MaxUploadSize  int64  `envconfig:"MAX_UPLOAD_SIZE" default:"524288000"`
	FFmpegPath     string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFprobePath    string `envconfig:"FFPROBE_PATH" default:"ffprobe"`
	TempDir        string `envconfig:"MEDIA_TEMP_DIR"`
}

// CompositionConfig tunes the background composition workers and janitor.
type CompositionConfig struct {
	MaxConcurrent   int64         `envconfig:"COMPOSITION_MAX_CONCURRENT" default:"2"`
	Retention       time.Duration `envconfig:"COMPOSITION_RETENTION" default:"168h"`
	StaleAfter      time.Duration `envconfig:"COMPOSITION_STALE_AFTER" default:"2h"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"1h"`
}

// MonitoringConfig configures backups and error reports.
type MonitoringConfig struct {
	BackupRoot          string        `envconfig:"BACKUP_ROOT" default:"backups"`
	ErrorReportDir      string        `envconfig:"ERROR_REPORT_DIR" default:"logs/error_reports"`
	ErrorReportInterval time.Duration `envconfig:"ERROR_REPORT_INTERVAL" default:"1h"`
}

// MailConfig configures outgoing admin notifications. An empty SMTPAddr
// disables delivery and notifications are only logged.
type MailConfig struct {
	SMTPAddr     string   `envconfig:"SMTP_ADDR"`
	SMTPUsername string   `envconfig:"SMTP_USERNAME"`
	SMTPPassword string   `envconfig:"SMTP_PASSWORD"`
	From         string   `envconfig:"ALERT_FROM" default:"noreply@daoist-videos.local"`
	AdminEmails  []string `envconfig:"ADMIN_EMAILS"`
}

// Load reads configuration values from the environment, applying defaults where necessary.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.DataBackend {
	case "memory":
		// no-op
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATA_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown DATA_BACKEND value: %s", c.DataBackend)
	}

	switch strings.ToLower(c.Media.Backend) {
	case "local":
	case "minio":
		if c.Media.MinIOEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when MEDIA_BACKEND=minio")
		}
	default:
		return fmt.Errorf("unknown MEDIA_BACKEND value: %s", c.Media.Backend)
	}

	if c.Media.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}
