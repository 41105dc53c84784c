package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Delivery modes for the SMS gateway.
const (
	SMSModeLegacy = "legacy"
	SMSModePNVS   = "pnvs"
)

// Storage and state backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
	BackendSQLite   = "sqlite"
	BackendScylla   = "scylla"
)

type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	BaseURL     string `env:"APP_BASE_URL" envDefault:"http://accounts.localtest.me:8080"`

	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Redis         RedisConfig
	SQLite        SQLiteConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	SMS           SMSConfig
	WeChat        WeChatConfig
	Redirect      RedirectConfig
	Session       SessionConfig
}

type ServerConfig struct {
	Port           string        `env:"SERVER_PORT" envDefault:"8080"`
	TLSPort        string        `env:"SERVER_TLS_PORT" envDefault:"8443"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	EnableTLS      bool          `env:"SERVER_ENABLE_TLS" envDefault:"false"`
	AutoCert       bool          `env:"SERVER_AUTOCERT" envDefault:"false"`
	Domain         string        `env:"SERVER_DOMAIN" envDefault:"accounts.localtest.me"`
	CertFile       string        `env:"SERVER_CERT_FILE"`
	KeyFile        string        `env:"SERVER_KEY_FILE"`
	AutoCertDir    string        `env:"SERVER_AUTOCERT_DIR" envDefault:"./certs"`
	Email          string        `env:"SERVER_ACME_EMAIL"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://accounts.localtest.me:3000"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

type StorageConfig struct {
	Backend          string `env:"STORAGE_BACKEND" envDefault:"sqlite"`
	StateBackend     string `env:"OTP_STATE_BACKEND" envDefault:"memory"`
	ChallengeBackend string `env:"OTP_CHALLENGE_BACKEND" envDefault:"database"`
	SessionCache     bool   `env:"SESSION_CACHE_ENABLED" envDefault:"false"`
}

type RedisConfig struct {
	URL          string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"50"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"5"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" envDefault:"accounts.db"`
}

type ScyllaConfig struct {
	Hosts          []string      `env:"SCYLLA_HOSTS" envSeparator:"," envDefault:"127.0.0.1"`
	Keyspace       string        `env:"SCYLLA_KEYSPACE" envDefault:"accounts"`
	Username       string        `env:"SCYLLA_USERNAME"`
	Password       string        `env:"SCYLLA_PASSWORD"`
	LocalDC        string        `env:"SCYLLA_LOCAL_DC"`
	Timeout        time.Duration `env:"SCYLLA_TIMEOUT" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"SCYLLA_CONNECT_TIMEOUT" envDefault:"10s"`
	NumConns       int           `env:"SCYLLA_NUM_CONNS" envDefault:"4"`
}

type KafkaConfig struct {
	Enabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"KAFKA_AUTH_EVENTS_TOPIC" envDefault:"auth-events"`
}

type ClickhouseConfig struct {
	Enabled  bool   `env:"CLICKHOUSE_ENABLED" envDefault:"false"`
	URL      string `env:"CLICKHOUSE_URL" envDefault:"http://localhost:9000"`
	Username string `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Database string `env:"CLICKHOUSE_DATABASE" envDefault:"accounts"`
	CAFile   string `env:"CLICKHOUSE_CA_FILE"`
}

type ElasticsearchConfig struct {
	Enabled  bool   `env:"ELASTICSEARCH_ENABLED" envDefault:"false"`
	URL      string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	Username string `env:"ELASTICSEARCH_USERNAME"`
	Password string `env:"ELASTICSEARCH_PASSWORD"`
	Index    string `env:"ELASTICSEARCH_AUTH_EVENTS_INDEX" envDefault:"auth-events"`
}

type KMSConfig struct {
	Enabled bool   `env:"KMS_ENABLED" envDefault:"false"`
	KeyID   string `env:"KMS_KEY_ID"`
	Region  string `env:"AWS_REGION" envDefault:"ap-southeast-1"`
	// LocalKey is a base64 AES-256 key that wraps data keys when KMS is disabled.
	LocalKey string `env:"LOCAL_MASTER_KEY"`
}

type HashingConfig struct {
	Argon2MemoryCost  int    `env:"ARGON2_MEMORY_KB" envDefault:"19456"`
	Argon2TimeCost    int    `env:"ARGON2_TIME_COST" envDefault:"2"`
	Argon2Parallelism int    `env:"ARGON2_PARALLELISM" envDefault:"1"`
	Pepper            string `env:"OTP_PEPPER"`
}

type BucketingConfig struct {
	LockStripes  int `env:"OTP_LOCK_STRIPES" envDefault:"256"`
	EventBuckets int `env:"EVENT_BUCKETS" envDefault:"64"`
}

type OTPConfig struct {
	Cooldown          time.Duration `env:"OTP_COOLDOWN" envDefault:"60s"`
	MaxSendsPerWindow int           `env:"OTP_MAX_SENDS_PER_HOUR" envDefault:"5"`
	SendWindow        time.Duration `env:"OTP_SEND_WINDOW" envDefault:"1h"`
	CodeTTL           time.Duration `env:"OTP_CODE_TTL" envDefault:"5m"`
	MaxVerifyFailures int           `env:"OTP_MAX_VERIFY_FAILURES" envDefault:"5"`
	LockoutDuration   time.Duration `env:"OTP_LOCKOUT_DURATION" envDefault:"10m"`
}

type SMSConfig struct {
	Mode         string        `env:"SMS_MODE" envDefault:"legacy"`
	AccessKey    string        `env:"ALIYUN_SMS_ACCESS_KEY"`
	Secret       string        `env:"ALIYUN_SMS_SECRET"`
	SignName     string        `env:"ALIYUN_SMS_SIGN"`
	TemplateID   string        `env:"ALIYUN_SMS_TEMPLATE_ID"`
	Endpoint     string        `env:"ALIYUN_SMS_ENDPOINT" envDefault:"https://dysmsapi.aliyuncs.com"`
	PNVSEndpoint string        `env:"ALIYUN_PNVS_ENDPOINT" envDefault:"https://dypnsapi.aliyuncs.com"`
	Timeout      time.Duration `env:"SMS_TIMEOUT" envDefault:"10s"`
}

type WeChatConfig struct {
	AppID       string        `env:"WECHAT_APPID"`
	Secret      string        `env:"WECHAT_SECRET"`
	AuthURL     string        `env:"WECHAT_AUTH_URL" envDefault:"https://open.weixin.qq.com/connect/qrconnect"`
	APIBaseURL  string        `env:"WECHAT_API_BASE_URL" envDefault:"https://api.weixin.qq.com"`
	StateMaxAge time.Duration `env:"WECHAT_STATE_MAX_AGE" envDefault:"10m"`
	Timeout     time.Duration `env:"WECHAT_TIMEOUT" envDefault:"10s"`
}

type RedirectConfig struct {
	BaseDomains     []string `env:"REDIRECT_BASE_DOMAINS" envSeparator:"," envDefault:"example.com,example.cn,localtest.me"`
	DefaultReturnTo string   `env:"REDIRECT_DEFAULT_RETURN_TO" envDefault:"/account"`
}

type SessionConfig struct {
	TTL          time.Duration `env:"SESSION_TTL" envDefault:"720h"`
	CookieName   string        `env:"SESSION_COOKIE_NAME" envDefault:"ac.session-token"`
	CookieDomain string        `env:"COOKIE_DOMAIN"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()

	return &cfg, nil
}

// Get returns the last loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func (c *Config) Validate() error {
	var errs []error

	switch c.SMS.Mode {
	case SMSModeLegacy, SMSModePNVS:
	default:
		errs = append(errs, fmt.Errorf("SMS_MODE must be %q or %q, got %q", SMSModeLegacy, SMSModePNVS, c.SMS.Mode))
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendScylla:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend))
	}
	switch c.Storage.StateBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unsupported OTP_STATE_BACKEND %q", c.Storage.StateBackend))
	}
	switch c.Storage.ChallengeBackend {
	case BackendDatabase, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unsupported OTP_CHALLENGE_BACKEND %q", c.Storage.ChallengeBackend))
	}
	if len(c.Redirect.BaseDomains) == 0 {
		errs = append(errs, errors.New("REDIRECT_BASE_DOMAINS must not be empty"))
	}
	if c.OTP.MaxSendsPerWindow < 1 || c.OTP.MaxVerifyFailures < 1 {
		errs = append(errs, errors.New("OTP limits must be positive"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		errs = append(errs, errors.New("OTP_PEPPER is required in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return ":" + c.Server.Port
}

// UsesRedis reports whether any configured component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.Storage.StateBackend == BackendRedis ||
		c.Storage.ChallengeBackend == BackendRedis ||
		c.Storage.SessionCache
}

// SessionCookieName applies the __Secure- prefix in production.
func (c *Config) SessionCookieName() string {
	if c.IsProduction() && !strings.HasPrefix(c.Session.CookieName, "__Secure-") {
		return "__Secure-" + c.Session.CookieName
	}
	return c.Session.CookieName
}
