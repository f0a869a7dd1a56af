package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Tokens        TokenConfig
	RateLimit     RateLimitConfig
	MFA           MFAConfig
	Session       SessionConfig
	Events        EventsConfig
	Audit         AuditConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
	// AdminAPIKey guards the lock/unlock endpoints; empty disables them.
	AdminAPIKey string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

// KMSConfig controls envelope encryption of MFA secrets. When Enabled is
// false, data keys are wrapped locally with LocalMasterKey.
type KMSConfig struct {
	Enabled        bool
	KeyID          string
	Region         string
	LocalMasterKey []byte
}

type HashingConfig struct {
	Argon2MemoryKiB      uint32
	Argon2Iterations     uint32
	Argon2Parallelism    uint8
	Peppers              map[int]string
	CurrentPepperVersion int
}

type TokenConfig struct {
	Issuer        string
	Audience      string
	SigningKeys   map[string][]byte
	ActiveKeyID   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PendingMFATTL time.Duration
}

// RateRule is a token bucket: Burst tokens at most, Rate tokens refilled per Period.
type RateRule struct {
	Burst  int
	Rate   int
	Period time.Duration
}

type RateLimitConfig struct {
	LoginIdentity RateRule
	LoginIP       RateRule
	MFA           RateRule
}

type MFAConfig struct {
	Issuer          string
	BackupCodeCount int
	Window          int
}

type SessionConfig struct {
	JanitorInterval time.Duration
	// RotateRefreshTokens issues a new refresh token on every refresh. When
	// false the presented token is kept and only last-used is updated.
	RotateRefreshTokens bool
}

type EventsConfig struct {
	KafkaTopic     string
	ESIndex        string
	BufferSize     int
	PublishTimeout time.Duration
}

type AuditConfig struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

type BucketingConfig struct {
	IdentityBuckets int
}

var (
	current *Config
	mu      sync.RWMutex
)

// Load reads .env (if present) and the process environment into a Config.
// Keys map to upper-case env vars with dots replaced by underscores,
// e.g. redis.url -> REDIS_URL.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Environment: v.GetString("environment"),
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			TLSPort:      v.GetInt("server.tls_port"),
			EnableTLS:    v.GetBool("server.enable_tls"),
			AutoCert:     v.GetBool("server.auto_cert"),
			Domain:       v.GetString("server.domain"),
			Email:        v.GetString("server.email"),
			CertFile:     v.GetString("server.cert_file"),
			KeyFile:      v.GetString("server.key_file"),
			AutoCertDir:  v.GetString("server.auto_cert_dir"),
			ReadTimeout:  v.GetDuration("server.read_timeout"),
			WriteTimeout: v.GetDuration("server.write_timeout"),
			IdleTimeout:  v.GetDuration("server.idle_timeout"),
			CORSOrigins:  splitList(v.GetString("server.cors_origins")),
			AdminAPIKey:  v.GetString("server.admin_api_key"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			PoolSize: v.GetInt("redis.pool_size"),
		},
		Scylla: ScyllaConfig{
			Enabled:  v.GetBool("scylla.enabled"),
			Nodes:    splitList(v.GetString("scylla.nodes")),
			Keyspace: v.GetString("scylla.keyspace"),
			Username: v.GetString("scylla.username"),
			Password: v.GetString("scylla.password"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitList(v.GetString("kafka.brokers")),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  v.GetBool("elasticsearch.enabled"),
			URL:      v.GetString("elasticsearch.url"),
			Username: v.GetString("elasticsearch.username"),
			Password: v.GetString("elasticsearch.password"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  v.GetBool("clickhouse.enabled"),
			URL:      v.GetString("clickhouse.url"),
			Username: v.GetString("clickhouse.username"),
			Password: v.GetString("clickhouse.password"),
			Database: v.GetString("clickhouse.database"),
		},
		KMS: KMSConfig{
			Enabled: v.GetBool("kms.enabled"),
			KeyID:   v.GetString("kms.key_id"),
			Region:  v.GetString("kms.region"),
		},
		Hashing: HashingConfig{
			Argon2MemoryKiB:      uint32(v.GetInt("hashing.argon2_memory_kib")),
			Argon2Iterations:     uint32(v.GetInt("hashing.argon2_iterations")),
			Argon2Parallelism:    uint8(v.GetInt("hashing.argon2_parallelism")),
			CurrentPepperVersion: v.GetInt("hashing.pepper_version"),
		},
		Tokens: TokenConfig{
			Issuer:        v.GetString("tokens.issuer"),
			Audience:      v.GetString("tokens.audience"),
			ActiveKeyID:   v.GetString("tokens.active_kid"),
			AccessTTL:     v.GetDuration("tokens.access_ttl"),
			RefreshTTL:    v.GetDuration("tokens.refresh_ttl"),
			PendingMFATTL: v.GetDuration("tokens.pending_mfa_ttl"),
		},
		RateLimit: RateLimitConfig{
			LoginIdentity: RateRule{
				Burst:  v.GetInt("ratelimit.login_identity_burst"),
				Rate:   v.GetInt("ratelimit.login_identity_rate"),
				Period: v.GetDuration("ratelimit.login_identity_period"),
			},
			LoginIP: RateRule{
				Burst:  v.GetInt("ratelimit.login_ip_burst"),
				Rate:   v.GetInt("ratelimit.login_ip_rate"),
				Period: v.GetDuration("ratelimit.login_ip_period"),
			},
			MFA: RateRule{
				Burst:  v.GetInt("ratelimit.mfa_burst"),
				Rate:   v.GetInt("ratelimit.mfa_rate"),
				Period: v.GetDuration("ratelimit.mfa_period"),
			},
		},
		MFA: MFAConfig{
			Issuer:          v.GetString("mfa.issuer"),
			BackupCodeCount: v.GetInt("mfa.backup_code_count"),
			Window:          v.GetInt("mfa.window"),
		},
		Session: SessionConfig{
			JanitorInterval:     v.GetDuration("session.janitor_interval"),
			RotateRefreshTokens: v.GetBool("session.rotate_refresh_tokens"),
		},
		Events: EventsConfig{
			KafkaTopic:     v.GetString("events.kafka_topic"),
			ESIndex:        v.GetString("events.es_index"),
			BufferSize:     v.GetInt("events.buffer_size"),
			PublishTimeout: v.GetDuration("events.publish_timeout"),
		},
		Audit: AuditConfig{
			Table:         v.GetString("audit.table"),
			BatchSize:     v.GetInt("audit.batch_size"),
			FlushInterval: v.GetDuration("audit.flush_interval"),
		},
		Bucketing: BucketingConfig{
			IdentityBuckets: v.GetInt("bucketing.identity_buckets"),
		},
	}

	var err error
	if cfg.Hashing.Peppers, err = parsePeppers(v.GetString("hashing.peppers")); err != nil {
		return nil, err
	}
	if cfg.Tokens.SigningKeys, err = parseKeyRing(v.GetString("tokens.signing_keys")); err != nil {
		return nil, err
	}
	if raw := v.GetString("kms.local_master_key"); raw != "" {
		if cfg.KMS.LocalMasterKey, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, fmt.Errorf("invalid KMS_LOCAL_MASTER_KEY: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the most recently loaded config, or nil before Load.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls_port", 8443)
	v.SetDefault("server.enable_tls", false)
	v.SetDefault("server.auto_cert", false)
	v.SetDefault("server.auto_cert_dir", "./certs")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.cors_origins", "https://*")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("scylla.nodes", "localhost:9042")
	v.SetDefault("scylla.keyspace", "authsession")

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("elasticsearch.url", "http://localhost:9200")
	v.SetDefault("clickhouse.url", "http://localhost:9000")
	v.SetDefault("clickhouse.database", "authsession")

	v.SetDefault("hashing.argon2_memory_kib", 64*1024)
	v.SetDefault("hashing.argon2_iterations", 3)
	v.SetDefault("hashing.argon2_parallelism", 2)
	v.SetDefault("hashing.pepper_version", 1)

	v.SetDefault("tokens.issuer", "authsession-service")
	v.SetDefault("tokens.audience", "authsession-api")
	v.SetDefault("tokens.active_kid", "k1")
	v.SetDefault("tokens.access_ttl", 15*time.Minute)
	v.SetDefault("tokens.refresh_ttl", 30*24*time.Hour)
	v.SetDefault("tokens.pending_mfa_ttl", 5*time.Minute)

	v.SetDefault("ratelimit.login_identity_burst", 5)
	v.SetDefault("ratelimit.login_identity_rate", 5)
	v.SetDefault("ratelimit.login_identity_period", time.Minute)
	v.SetDefault("ratelimit.login_ip_burst", 20)
	v.SetDefault("ratelimit.login_ip_rate", 20)
	v.SetDefault("ratelimit.login_ip_period", time.Minute)
	v.SetDefault("ratelimit.mfa_burst", 5)
	v.SetDefault("ratelimit.mfa_rate", 5)
	v.SetDefault("ratelimit.mfa_period", 5*time.Minute)

	v.SetDefault("mfa.issuer", "AuthSession")
	v.SetDefault("mfa.backup_code_count", 10)
	v.SetDefault("mfa.window", 1)

	v.SetDefault("session.janitor_interval", 10*time.Minute)
	v.SetDefault("session.rotate_refresh_tokens", true)

	v.SetDefault("events.kafka_topic", "auth.security-events")
	v.SetDefault("events.es_index", "auth-security-events")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.publish_timeout", 5*time.Second)

	v.SetDefault("audit.table", "auth_attempts")
	v.SetDefault("audit.batch_size", 500)
	v.SetDefault("audit.flush_interval", 5*time.Second)

	v.SetDefault("bucketing.identity_buckets", 1024)
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 || c.Tokens.PendingMFATTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.Tokens.PendingMFATTL > 5*time.Minute {
		errs = append(errs, errors.New("pending MFA token TTL must not exceed 5m"))
	}
	for name, rule := range map[string]RateRule{
		"login_identity": c.RateLimit.LoginIdentity,
		"login_ip":       c.RateLimit.LoginIP,
		"mfa":            c.RateLimit.MFA,
	} {
		if rule.Burst <= 0 || rule.Rate <= 0 || rule.Period <= 0 {
			errs = append(errs, fmt.Errorf("rate limit %s must have positive burst, rate and period", name))
		}
	}
	if c.Bucketing.IdentityBuckets <= 0 {
		errs = append(errs, errors.New("identity bucket count must be positive"))
	}

	if c.IsProduction() {
		if len(c.Tokens.SigningKeys) == 0 {
			errs = append(errs, errors.New("TOKENS_SIGNING_KEYS is required in production"))
		} else if _, ok := c.Tokens.SigningKeys[c.Tokens.ActiveKeyID]; !ok {
			errs = append(errs, fmt.Errorf("active signing key %q not in key ring", c.Tokens.ActiveKeyID))
		}
		if _, ok := c.Hashing.Peppers[c.Hashing.CurrentPepperVersion]; !ok {
			errs = append(errs, errors.New("HASHING_PEPPERS must contain the current pepper version in production"))
		}
		if !c.KMS.Enabled && len(c.KMS.LocalMasterKey) != 32 {
			errs = append(errs, errors.New("KMS or a 32-byte local master key is required in production"))
		}
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
	return fmt.Sprintf(":%d", c.Server.Port)
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

// parsePeppers parses "1:secret,2:secret2".
func parsePeppers(s string) (map[int]string, error) {
	out := make(map[int]string)
	for _, entry := range splitList(s) {
		ver, value, ok := strings.Cut(entry, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("invalid pepper entry %q", entry)
		}
		n, err := strconv.Atoi(ver)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid pepper version %q", ver)
		}
		out[n] = value
	}
	return out, nil
}

// parseKeyRing parses "kid:base64key,kid2:base64key2".
func parseKeyRing(s string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, entry := range splitList(s) {
		kid, encoded, ok := strings.Cut(entry, ":")
		if !ok || kid == "" {
			return nil, fmt.Errorf("invalid signing key entry for kid %q", kid)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("signing key %q is not base64: %w", kid, err)
		}
		if len(key) < 32 {
			return nil, fmt.Errorf("signing key %q must be at least 32 bytes", kid)
		}
		out[kid] = key
	}
	return out, nil
}
