package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hitoshi/paygate/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 各コンポーネントはコンストラクタ経由で必要な値だけを受け取る。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Secrets
	EncryptionKey      string `env:"ENCRYPTION_KEY"`
	JWTSecret          string `env:"JWT_SECRET"`
	RefreshSecret      string `env:"REFRESH_SECRET"`
	ConfirmationSecret string `env:"CONFIRMATION_SECRET"`

	// Session
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"10"`

	// Request
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"10240"`

	// Rate Limit（ウィンドウあたりのリクエスト数）
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
	RateLimitGeneral int           `env:"RATE_LIMIT_GENERAL" envDefault:"100"`
	RateLimitAuth    int           `env:"RATE_LIMIT_AUTH" envDefault:"5"`

	// Payment
	PaymentSuccessRate float64 `env:"PAYMENT_SUCCESS_RATE" envDefault:"0.8"`

	// Webhook
	WebhookURL           string        `env:"WEBHOOK_URL"`
	WebhookTimeout       time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookInterval      time.Duration `env:"WEBHOOK_INTERVAL" envDefault:"30s"`
	WebhookMaxAttempts   int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"8"`
	WebhookMaxConcurrent int           `env:"WEBHOOK_MAX_CONCURRENT" envDefault:"5"`
	WebhookBatchSize     int           `env:"WEBHOOK_BATCH_SIZE" envDefault:"50"`

	// Cleanup
	CleanupInterval       time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	DeliveryRetentionDays int           `env:"DELIVERY_RETENTION_DAYS" envDefault:"30"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"PORT" envDefault:"5050"`

	// CORS。カンマ区切りで複数指定できる
	FrontendURLs []string `env:"FRONTEND_URL" envDefault:"http://localhost:3000" envSeparator:","`

	// X-Forwarded-Forを信頼するリバースプロキシ（CIDRまたはIP、カンマ区切り）。
	// 未設定ならヘッダーは無視し、接続元アドレスをクライアントIPとする
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数名をまとめたConfigエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, model.WrapError(model.KindConfig, "config.Load", fmt.Errorf("failed to parse environment: %w", err))
	}

	// Required fields
	var missing []string

	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"ENCRYPTION_KEY", cfg.EncryptionKey},
		{"JWT_SECRET", cfg.JWTSecret},
		{"REFRESH_SECRET", cfg.RefreshSecret},
		{"CONFIRMATION_SECRET", cfg.ConfirmationSecret},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}

	if len(missing) > 0 {
		return nil, model.NewConfigError("config.Load",
			fmt.Sprintf("required environment variables are not set: %v", missing))
	}

	if cfg.JWTSecret == cfg.RefreshSecret {
		return nil, model.NewConfigError("config.Load", "JWT_SECRET and REFRESH_SECRET must differ")
	}

	if cfg.PaymentSuccessRate < 0 || cfg.PaymentSuccessRate > 1 {
		return nil, model.NewConfigError("config.Load", "PAYMENT_SUCCESS_RATE must be between 0 and 1")
	}

	if err := cfg.validatePositive(); err != nil {
		return nil, err
	}

	if _, err := parseTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, model.NewConfigError("config.Load", err.Error())
	}

	return cfg, nil
}

// validatePositive は0以下では動作しない期間と件数を検査する。
// 0のウィンドウやティッカー間隔は起動後にパニックや制限の無効化を招く。
func (c *Config) validatePositive() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"ACCESS_TOKEN_TTL", c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", c.RefreshTokenTTL},
		{"RATE_LIMIT_WINDOW", c.RateLimitWindow},
		{"WEBHOOK_TIMEOUT", c.WebhookTimeout},
		{"WEBHOOK_INTERVAL", c.WebhookInterval},
		{"CLEANUP_INTERVAL", c.CleanupInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return model.NewConfigError("config.Load",
				fmt.Sprintf("%s must be a positive duration, got %s", d.name, d.value))
		}
	}

	counts := []struct {
		name  string
		value int64
	}{
		{"MAX_BODY_BYTES", c.MaxBodyBytes},
		{"RATE_LIMIT_GENERAL", int64(c.RateLimitGeneral)},
		{"RATE_LIMIT_AUTH", int64(c.RateLimitAuth)},
		{"WEBHOOK_MAX_ATTEMPTS", int64(c.WebhookMaxAttempts)},
		{"WEBHOOK_MAX_CONCURRENT", int64(c.WebhookMaxConcurrent)},
		{"WEBHOOK_BATCH_SIZE", int64(c.WebhookBatchSize)},
		{"DELIVERY_RETENTION_DAYS", int64(c.DeliveryRetentionDays)},
	}
	for _, n := range counts {
		if n.value <= 0 {
			return model.NewConfigError("config.Load",
				fmt.Sprintf("%s must be positive, got %d", n.name, n.value))
		}
	}

	return nil
}

// TrustedProxyPrefixes はTRUSTED_PROXIESをパースしたプレフィックスを返す。
// Loadで検証済みのため、ここではエラーにならない。
func (c *Config) TrustedProxyPrefixes() []netip.Prefix {
	prefixes, _ := parseTrustedProxies(c.TrustedProxies)
	return prefixes
}

// parseTrustedProxies はCIDRまたは単一IPの並びをプレフィックスに変換する。
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES contains an invalid CIDR %q", v)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES contains an invalid address %q", v)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
