// Package auth はダッシュボードユーザーの登録、ログイン、トークンの更新と失効を提供する。
//
// ユーザーごとに保持するリフレッシュトークンは1つだけで、ログインのたびに上書きされる。
// 上書きやログアウトで枠から外れたトークンは、署名と有効期限が正しくても更新に使えない。
// 発行済みのアクセストークンは失効させず、有効期限まで有効なままとする。
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
	// Now は現在時刻を返す関数。nilの場合はtime.Now。
	Now func() time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo  repository.UserRepository
	slotRepo  repository.RefreshTokenRepository
	tokens    *TokenManager
	passwords *PasswordHasher
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	slotRepo repository.RefreshTokenRepository,
	collector metrics.MetricsCollector,
	cfg ServiceConfig,
) (*Service, error) {
	passwords, err := NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	return &Service{
		userRepo: userRepo,
		slotRepo: slotRepo,
		tokens: NewTokenManager(TokenConfig{
			AccessSecret:  cfg.AccessSecret,
			RefreshSecret: cfg.RefreshSecret,
			AccessTTL:     cfg.AccessTTL,
			RefreshTTL:    cfg.RefreshTTL,
			Now:           now,
		}),
		passwords: passwords,
		metrics:   collector,
		now:       now,
	}, nil
}

// Register はユーザーを登録する。
// メールアドレスは小文字に正規化して保存し、パスワードはbcryptハッシュのみを保存する。
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	const op = "auth.Register"

	email, err := normalizeEmail(op, email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, model.NewValidationError(op, fmt.Sprintf("パスワードは%d文字以上で入力してください。", MinPasswordLength))
	}
	if len(password) > MaxPasswordLength {
		return nil, model.NewValidationError(op, fmt.Sprintf("パスワードは%dバイト以内で入力してください。", MaxPasswordLength))
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewConflictError(op, model.ErrCodeEmailTaken, "このメールアドレスは既に登録されています。")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Authenticate はメールアドレスとパスワードを検証し、アクセストークンとリフレッシュトークンを発行する。
// 未登録ユーザーとパスワード不一致は同じInvalidCredentialになる。
// 発行したリフレッシュトークンはユーザーの枠を上書きし、以前のトークンはこの時点で無効になる。
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.TokenPair, error) {
	const op = "auth.Authenticate"

	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		s.passwords.VerifyDummy(password)
		s.metrics.RecordLoginFailure()
		return nil, model.NewInvalidCredentialError(op)
	}
	if !s.passwords.Verify(user.PasswordHash, password) {
		s.metrics.RecordLoginFailure()
		return nil, model.NewInvalidCredentialError(op)
	}

	access, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refresh, expiresAt, err := s.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}

	slot := &model.RefreshSlot{
		UserID:    user.ID,
		TokenHash: hashToken(refresh),
		ExpiresAt: expiresAt,
		IssuedAt:  s.now(),
	}
	if err := s.slotRepo.Replace(ctx, slot); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.metrics.RecordTokenIssued(TokenTypeAccess)
	s.metrics.RecordTokenIssued(TokenTypeRefresh)
	slog.Info("user logged in", slog.String("user_id", user.ID))

	return &model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh はリフレッシュトークンを検証し、新しいアクセストークンを発行する。
// トークン自体が有効でも、ユーザーの枠に保存されたものと一致しなければ拒否する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	const op = "auth.Refresh"

	claims, err := s.tokens.ParseRefreshToken(refreshToken)
	if err != nil {
		return "", err
	}

	slot, err := s.slotRepo.FindByUserID(ctx, claims.Subject)
	if err != nil {
		return "", fmt.Errorf("failed to find refresh token slot: %w", err)
	}
	if slot == nil {
		return "", model.NewInvalidTokenError(op, errors.New("refresh token revoked"))
	}
	if !s.now().Before(slot.ExpiresAt) {
		return "", model.NewTokenExpiredError(op, errors.New("refresh token slot expired"))
	}
	if subtle.ConstantTimeCompare(slot.TokenHash, hashToken(refreshToken)) != 1 {
		return "", model.NewInvalidTokenError(op, errors.New("refresh token superseded"))
	}

	user, err := s.userRepo.FindByID(ctx, claims.Subject)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return "", model.NewInvalidTokenError(op, errors.New("user no longer exists"))
	}

	access, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return "", err
	}

	s.metrics.RecordTokenIssued(TokenTypeAccess)
	return access, nil
}

// Logout は指定メールアドレスのユーザーのリフレッシュトークン枠を削除する。
// 未登録のメールアドレスは何もせずに成功とする。発行済みのアクセストークンは失効しない。
func (s *Service) Logout(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil
	}

	if err := s.slotRepo.DeleteByUserID(ctx, user.ID); err != nil {
		return fmt.Errorf("failed to delete refresh token slot: %w", err)
	}

	slog.Info("user logged out", slog.String("user_id", user.ID))
	return nil
}

// ParseAccessToken はアクセストークンを検証してクレームを返す。
func (s *Service) ParseAccessToken(token string) (*Claims, error) {
	return s.tokens.ParseAccessToken(token)
}

// hashToken はリフレッシュトークンのSHA-256ダイジェストを返す。
func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// normalizeEmail はメールアドレスを小文字に正規化し、形式を検証する。
func normalizeEmail(op, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError(op, "メールアドレスの形式が正しくありません。")
	}
	return email, nil
}
