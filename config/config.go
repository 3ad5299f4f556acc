package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every setting the service reads from the environment.
type Config struct {
	Port           string `env:"PORT,default=5200"`
	DatabaseURL    string `env:"DATABASE_URL,required"`
	ServiceToken   string `env:"SERVICE_TOKEN,required"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`

	Log struct {
		Level  string `env:"LOG_LEVEL,default=info"`
		Pretty bool   `env:"LOG_PRETTY,default=false"`
	}

	Escrow struct {
		EncryptionKey string `env:"ESCROW_ENCRYPTION_KEY,required"`
	}

	Solana struct {
		RPCURL         string        `env:"SOLANA_RPC_URL,default=https://api.devnet.solana.com"`
		USDCMint       string        `env:"USDC_MINT,default=4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"`
		RateLimit      float64       `env:"RPC_RATE_LIMIT,default=8"`
		Timeout        time.Duration `env:"RPC_TIMEOUT,default=15s"`
		ConfirmTimeout time.Duration `env:"TRANSFER_CONFIRM_TIMEOUT,default=60s"`
	}

	Settlement struct {
		RequiredCompletionRate float64 `env:"REQUIRED_COMPLETION_RATE,default=0.8"`
		MaxConsecutiveMisses   int     `env:"MAX_CONSECUTIVE_MISSES,default=2"`
		Timezone               string  `env:"SETTLEMENT_TIMEZONE,default=Local"`
	}

	Reconcile struct {
		Interval time.Duration `env:"RECONCILE_INTERVAL,default=1m"`
		Grace    time.Duration `env:"RECONCILE_GRACE,default=2m"`
		Expiry   time.Duration `env:"RECONCILE_EXPIRY,default=10m"`
	}

	SyncServiceURL string `env:"SYNC_SERVICE_URL"`
	AuthServiceURL string `env:"AUTH_SERVICE_URL"`

	R2 struct {
		AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
		AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
		AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
		Bucket          string `env:"R2_BUCKET_NAME"`
	}
}

// Load reads .env (if present) and decodes the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("⚠️  No .env file found, reading environment variables directly")
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Settlement.RequiredCompletionRate <= 0 || c.Settlement.RequiredCompletionRate > 1 {
		return fmt.Errorf("REQUIRED_COMPLETION_RATE must be in (0,1], got %v", c.Settlement.RequiredCompletionRate)
	}
	if c.Settlement.MaxConsecutiveMisses < 1 {
		return fmt.Errorf("MAX_CONSECUTIVE_MISSES must be at least 1, got %d", c.Settlement.MaxConsecutiveMisses)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves SETTLEMENT_TIMEZONE. Calendar days for submissions and
// completion windows are cut in this zone.
func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Settlement.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

// Origins splits ALLOWED_ORIGINS into a comma-joined list fiber's CORS accepts.
func (c *Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

// ArchiveEnabled reports whether R2 credentials were supplied.
func (c *Config) ArchiveEnabled() bool {
	return c.R2.AccountID != "" && c.R2.AccessKeyID != "" && c.R2.AccessKeySecret != "" && c.R2.Bucket != ""
}
