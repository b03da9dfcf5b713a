package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/paygate/internal/model"
)

// トークン種別（typクレーム）
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims はアクセストークン・リフレッシュトークン共通のJWTクレーム。
type Claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	TokenType string `json:"typ"`
}

// TokenConfig はTokenManagerの設定。
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now は現在時刻を返す関数。nilの場合はtime.Now。
	Now func() time.Time
}

// TokenManager はHS256署名のアクセストークンとリフレッシュトークンを発行・検証する。
// 2種類のトークンは別々の秘密鍵で署名するため、一方をもう一方として検証に通すことはできない。
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenManager はTokenManagerを生成する。
func NewTokenManager(cfg TokenConfig) *TokenManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}
}

// IssueAccessToken はsub=userID, email, typ=accessのアクセストークンを発行する。
func (m *TokenManager) IssueAccessToken(userID, email string) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		Email:     email,
		TokenType: TokenTypeAccess,
	})

	signed, err := token.SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshToken はランダムなjtiを持つリフレッシュトークンを発行し、その有効期限を返す。
// 同一秒内に同じユーザーへ発行しても、jtiにより毎回異なるトークンになる。
func (m *TokenManager) IssueRefreshToken(userID string) (string, time.Time, error) {
	now := m.now()
	exp := jwt.NewNumericDate(now.Add(m.refreshTTL))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
		TokenType: TokenTypeRefresh,
	})

	signed, err := token.SignedString(m.refreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, exp.Time, nil
}

// ParseAccessToken はアクセストークンを検証してクレームを返す。
// 有効期限の境界は厳密で、exp未満の時刻でのみ受理し、exp以降は拒否する。
func (m *TokenManager) ParseAccessToken(tokenString string) (*Claims, error) {
	return m.parse("auth.ParseAccessToken", tokenString, m.accessSecret, TokenTypeAccess)
}

// ParseRefreshToken はリフレッシュトークンの署名・有効期限・typを検証してクレームを返す。
func (m *TokenManager) ParseRefreshToken(tokenString string) (*Claims, error) {
	return m.parse("auth.ParseRefreshToken", tokenString, m.refreshSecret, TokenTypeRefresh)
}

func (m *TokenManager) parse(op, tokenString string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.NewTokenExpiredError(op, err)
		}
		return nil, model.NewInvalidTokenError(op, err)
	}

	if claims.TokenType != tokenType {
		return nil, model.NewInvalidTokenError(op, fmt.Errorf("token type mismatch: %q", claims.TokenType))
	}
	if claims.Subject == "" {
		return nil, model.NewInvalidTokenError(op, errors.New("missing subject"))
	}
	return claims, nil
}
