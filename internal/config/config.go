package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MediaDriverMemory = "memory"
	MediaDriverS3     = "s3"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	MediaDriver           string        `mapstructure:"MEDIA_DRIVER"`
	MediaS3Bucket         string        `mapstructure:"MEDIA_S3_BUCKET"`
	MediaS3Region         string        `mapstructure:"MEDIA_S3_REGION"`
	MediaS3Endpoint       string        `mapstructure:"MEDIA_S3_ENDPOINT"`
	MediaS3PathStyle      bool          `mapstructure:"MEDIA_S3_PATH_STYLE"`
	EnforceSignValidation bool          `mapstructure:"ENFORCE_SIGN_VALIDATION"`
	MigrationsSchema      string        `mapstructure:"MIGRATIONS_SCHEMA"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MEDIA_DRIVER", "MEDIA_S3_BUCKET", "MEDIA_S3_REGION", "MEDIA_S3_ENDPOINT", "MEDIA_S3_PATH_STYLE",
	"ENFORCE_SIGN_VALIDATION", "MIGRATIONS_SCHEMA",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "12M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("MEDIA_DRIVER", MediaDriverMemory)
	v.SetDefault("MEDIA_S3_REGION", "us-east-1")
	v.SetDefault("ENFORCE_SIGN_VALIDATION", true)
	v.SetDefault("MIGRATIONS_SCHEMA", "public")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.MediaDriver = strings.ToLower(strings.TrimSpace(cfg.MediaDriver))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: X-Dev-User-ID / X-Dev-Role / X-Dev-Clinic-ID headers are trusted as identity.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY before serving real clinics.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is mandatory because the dev identity headers are disabled.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 && c.IsProduction() {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production, got %d", len(c.AuthSigningKey))
	}

	switch c.MediaDriver {
	case MediaDriverMemory:
	case MediaDriverS3:
		if c.MediaS3Bucket == "" {
			return fmt.Errorf("MEDIA_S3_BUCKET is required when MEDIA_DRIVER is %q", MediaDriverS3)
		}
	default:
		return fmt.Errorf("MEDIA_DRIVER must be %q or %q, got %q", MediaDriverMemory, MediaDriverS3, c.MediaDriver)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
