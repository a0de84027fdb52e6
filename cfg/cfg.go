package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s.value))
	copy(out, s.value)
	return out
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	DatabasePath           string
	DBMaxOpenConns         int
	DBQueryTimeout         time.Duration
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	Pepper                 Secret
	PepperFromKMS          bool
	AtRestSealing          bool
	KEKCacheTTL            time.Duration
	RateLimit              BucketCfg
	ChallengeRateLimit     BucketCfg
	RateLimitMaxKeys       int
	Pow                    PowCfg
	MaxCiphertextBytes     int
	MinIVBytes             int
	MaxIVBytes             int
	MinExpiry              time.Duration
	MaxExpiry              time.Duration
	MaxViewLimit           int
	ReaperInterval         time.Duration
	IPHashRotationInterval time.Duration
	TrustedProxies         []string
	AllowedOrigins         []string
	MetricsUser            string
	MetricsPass            Secret
	ContextTimeout         time.Duration
}

// BucketCfg sizes a token bucket: Capacity tokens, refilled at RefillPerMinute.
type BucketCfg struct {
	Capacity        int
	RefillPerMinute float64
}

type PowCfg struct {
	Enabled    bool
	Difficulty int
	TTL        time.Duration
}

func (c *Cfg) IsDevelopment() bool {
	return c.Environment == "development"
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "vanish.db")
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 16); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getBool("REDIS_TLS", false)
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getBool("PEPPER_FROM_KMS", false)
	c.AtRestSealing = getBool("AT_REST_SEALING", false)
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	if c.RateLimit.Capacity, err = getInt("RATE_LIMIT_CAPACITY", 10); err != nil {
		return nil, err
	}
	if c.RateLimit.RefillPerMinute, err = getFloat("RATE_LIMIT_REFILL_PER_MINUTE", 6); err != nil {
		return nil, err
	}
	if c.ChallengeRateLimit.Capacity, err = getInt("CHALLENGE_RATE_LIMIT_CAPACITY", 30); err != nil {
		return nil, err
	}
	if c.ChallengeRateLimit.RefillPerMinute, err = getFloat("CHALLENGE_RATE_LIMIT_REFILL_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if c.RateLimitMaxKeys, err = getInt("RATE_LIMIT_MAX_KEYS", 10000); err != nil {
		return nil, err
	}

	c.Pow.Enabled = getBool("POW_ENABLED", true)
	if c.Pow.Difficulty, err = getInt("POW_DIFFICULTY", 18); err != nil {
		return nil, err
	}
	if c.Pow.TTL, err = getDuration("POW_TTL", 2*time.Minute); err != nil {
		return nil, err
	}

	if c.MaxCiphertextBytes, err = getInt("MAX_CIPHERTEXT_BYTES", 1024*1024); err != nil {
		return nil, err
	}
	if c.MinIVBytes, err = getInt("MIN_IV_BYTES", 12); err != nil {
		return nil, err
	}
	if c.MaxIVBytes, err = getInt("MAX_IV_BYTES", 16); err != nil {
		return nil, err
	}
	if c.MinExpiry, err = getDuration("MIN_EXPIRY", 60*time.Second); err != nil {
		return nil, err
	}
	if c.MaxExpiry, err = getDuration("MAX_EXPIRY", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if c.MaxViewLimit, err = getInt("MAX_VIEW_LIMIT", 1000); err != nil {
		return nil, err
	}
	if c.ReaperInterval, err = getDuration("REAPER_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", time.Hour); err != nil {
		return nil, err
	}

	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if err := validateDatabasePath(c.DatabasePath); err != nil {
		return err
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if !c.PepperFromKMS && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS=false")
	}
	if c.KEKCacheTTL < time.Minute || c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL must be between 1m and 1h")
	}

	if err := validateBucket("RATE_LIMIT", c.RateLimit); err != nil {
		return err
	}
	if err := validateBucket("CHALLENGE_RATE_LIMIT", c.ChallengeRateLimit); err != nil {
		return err
	}
	if c.RateLimitMaxKeys <= 0 {
		return errors.New("RATE_LIMIT_MAX_KEYS must be positive")
	}

	if c.Pow.Enabled {
		if c.Pow.Difficulty < 1 || c.Pow.Difficulty > 32 {
			return errors.New("POW_DIFFICULTY must be between 1 and 32")
		}
		if c.Pow.TTL < 10*time.Second {
			return errors.New("POW_TTL must be at least 10s")
		}
	}

	if c.MaxCiphertextBytes <= 0 || c.MaxCiphertextBytes > 10*1024*1024 {
		return errors.New("MAX_CIPHERTEXT_BYTES must be between 1 and 10MB")
	}
	if c.MinIVBytes < 1 || c.MaxIVBytes < c.MinIVBytes {
		return errors.New("IV bounds invalid: need 1 <= MIN_IV_BYTES <= MAX_IV_BYTES")
	}
	if c.MinExpiry < 0 || c.MaxExpiry <= c.MinExpiry {
		return errors.New("expiry bounds invalid: need 0 <= MIN_EXPIRY < MAX_EXPIRY")
	}
	if c.MaxViewLimit < 1 {
		return errors.New("MAX_VIEW_LIMIT must be at least 1")
	}
	if c.ReaperInterval < time.Second {
		return errors.New("REAPER_INTERVAL must be at least 1s")
	}
	if c.IPHashRotationInterval < 15*time.Minute || c.IPHashRotationInterval > 24*time.Hour {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be between 15m and 24h")
	}

	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func validateBucket(prefix string, b BucketCfg) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%s_CAPACITY must be at least 1", prefix)
	}
	if b.RefillPerMinute <= 0 {
		return fmt.Errorf("%s_REFILL_PER_MINUTE must be positive", prefix)
	}
	return nil
}

func validateDatabasePath(path string) error {
	if path == "" {
		return errors.New("DATABASE_PATH is required")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) bool {
	s := strings.ToLower(getEnv(key, ""))
	switch s {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
