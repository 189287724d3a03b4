package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (BEACON_HTTP_ADDR, BEACON_RATELIMIT_MAX_FAILED_LOGINS, ...).
const EnvPrefix = "BEACON"

// ErrNoAuthenticator is returned when neither a subject token key nor a dev header is configured.
var ErrNoAuthenticator = errors.New("config: auth.subject_token_key or auth.dev_subject_header must be set")

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" json:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout" validate:"gte=0"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" json:"max_header_bytes" validate:"gte=0"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json pretty"`
}

// DatabaseConfig points at the Postgres notification store. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" json:"-"`
	Schema       string `mapstructure:"schema" json:"schema" validate:"required"`
	MaxConns     int32  `mapstructure:"max_conns" json:"max_conns" validate:"gte=0"`
	MinConns     int32  `mapstructure:"min_conns" json:"min_conns" validate:"gte=0"`
	EnsureSchema bool   `mapstructure:"ensure_schema" json:"ensure_schema"`
}

// RedisConfig points at the delivery log. An empty Addr disables it.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" json:"addr"`
	Password    string        `mapstructure:"password" json:"-"`
	DB          int           `mapstructure:"db" json:"db" validate:"gte=0"`
	KeyPrefix   string        `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
	DeliveryTTL time.Duration `mapstructure:"delivery_ttl" json:"delivery_ttl" validate:"gt=0"`
}

// ReadinessConfig controls /readyz.
type ReadinessConfig struct {
	// RequireDB makes /readyz return 503 unless Postgres is configured and reachable.
	RequireDB bool `mapstructure:"require_db" json:"require_db"`
	// RequireRedis does the same for the delivery log.
	RequireRedis bool `mapstructure:"require_redis" json:"require_redis"`
}

// RateLimitConfig controls admission control and login lockout.
type RateLimitConfig struct {
	Enabled                  bool          `mapstructure:"enabled" json:"enabled"`
	DefaultRequestsPerMinute int           `mapstructure:"default_requests_per_minute" json:"default_requests_per_minute" validate:"gte=1"`
	MaxFailedLogins          int           `mapstructure:"max_failed_logins" json:"max_failed_logins" validate:"gte=1"`
	LockoutDuration          time.Duration `mapstructure:"lockout_duration" json:"lockout_duration" validate:"gt=0"`
	FingerprintBuckets       int           `mapstructure:"fingerprint_buckets" json:"fingerprint_buckets" validate:"gte=1"`
	CompactInterval          time.Duration `mapstructure:"compact_interval" json:"compact_interval" validate:"gt=0"`
	TrustProxy               bool          `mapstructure:"trust_proxy" json:"trust_proxy"`
}

// HeartbeatConfig controls stale-connection reaping.
type HeartbeatConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" validate:"gt=0"`
}

// WSConfig controls the WebSocket gateway.
type WSConfig struct {
	OriginRequired  bool          `mapstructure:"origin_required" json:"origin_required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
	DevInsecure     bool          `mapstructure:"dev_insecure" json:"dev_insecure"`
	SendQueueSize   int           `mapstructure:"send_queue_size" json:"send_queue_size" validate:"gte=8"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"gt=0"`
	ReadIdleTimeout time.Duration `mapstructure:"read_idle_timeout" json:"read_idle_timeout" validate:"gt=0"`
	PingInterval    time.Duration `mapstructure:"ping_interval" json:"ping_interval" validate:"gt=0"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout" json:"ping_timeout" validate:"gt=0"`
	FrameRate       float64       `mapstructure:"frame_rate" json:"frame_rate" validate:"gt=0"`
	FrameBurst      int           `mapstructure:"frame_burst" json:"frame_burst" validate:"gte=1"`
}

// AuthConfig selects how WebSocket upgrades are authenticated.
type AuthConfig struct {
	// SubjectTokenKey is the HMAC key for signed subject tokens (>= 32 bytes).
	SubjectTokenKey string `mapstructure:"subject_token_key" json:"-" validate:"omitempty,min=32"`
	// DevSubjectHeader trusts a request header as the subject. Dev only; ignored when a token key is set.
	DevSubjectHeader string `mapstructure:"dev_subject_header" json:"dev_subject_header"`
	// NotifyToken guards POST /internal/notify with "Authorization: Bearer". Empty leaves it open.
	NotifyToken string `mapstructure:"notify_token" json:"-"`
}

// Config is the complete runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http" json:"http" validate:"required"`
	Log       LogConfig       `mapstructure:"log" json:"log" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" json:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis" json:"redis" validate:"required"`
	Readiness ReadinessConfig `mapstructure:"readiness" json:"readiness"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit" validate:"required"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required"`
	WS        WSConfig        `mapstructure:"ws" json:"ws" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" json:"auth"`
}

// InstallDefaultConfigValues installs default values on v.
func InstallDefaultConfigValues(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "beacon")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.ensure_schema", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "beacon:delivery")
	v.SetDefault("redis.delivery_ttl", 24*time.Hour)

	v.SetDefault("readiness.require_db", false)
	v.SetDefault("readiness.require_redis", false)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_requests_per_minute", 60)
	v.SetDefault("ratelimit.max_failed_logins", 5)
	v.SetDefault("ratelimit.lockout_duration", 300*time.Second)
	v.SetDefault("ratelimit.fingerprint_buckets", 1000)
	v.SetDefault("ratelimit.compact_interval", 5*time.Minute)
	v.SetDefault("ratelimit.trust_proxy", false)

	v.SetDefault("heartbeat.timeout", 300*time.Second)
	v.SetDefault("heartbeat.sweep_interval", 300*time.Second)

	v.SetDefault("ws.origin_required", true)
	v.SetDefault("ws.allowed_origins", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("ws.dev_insecure", false)
	v.SetDefault("ws.send_queue_size", 64)
	v.SetDefault("ws.write_timeout", 5*time.Second)
	v.SetDefault("ws.read_idle_timeout", 10*time.Minute)
	v.SetDefault("ws.ping_interval", 25*time.Second)
	v.SetDefault("ws.ping_timeout", 5*time.Second)
	v.SetDefault("ws.frame_rate", 10.0)
	v.SetDefault("ws.frame_burst", 20)

	v.SetDefault("auth.subject_token_key", "")
	v.SetDefault("auth.dev_subject_header", "")
	v.SetDefault("auth.notify_token", "")
}

// NewViper returns a viper instance with defaults installed and BEACON_* environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	InstallDefaultConfigValues(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads defaults, the optional config file and environment overrides, then validates.
func LoadConfig(configFile string) (Config, error) {
	v := NewViper()
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.WS.AllowedOrigins = splitOrigins(cfg.WS.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(&c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("config: database.min_conns (%d) exceeds database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if strings.TrimSpace(c.Auth.SubjectTokenKey) == "" && strings.TrimSpace(c.Auth.DevSubjectHeader) == "" {
		return ErrNoAuthenticator
	}
	return nil
}

// splitOrigins accepts both list values and a single comma-separated env value.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
