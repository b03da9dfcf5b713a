// Package merchant はマーチャントのAPIキーとシークレットの発行・ローテーションを提供する。
//
// シークレットの平文は発行時とローテーション時に一度だけ呼び出し元へ返し、
// 永続化するのはボールトで暗号化した形式のみとする。
package merchant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
	"github.com/hitoshi/paygate/internal/security"
)

const (
	// APIKeyBytes はAPIキーの乱数バイト数（128ビット）。
	APIKeyBytes = 16
	// APISecretBytes はAPIシークレットの乱数バイト数（256ビット）。
	APISecretBytes = 32
	// MaxBusinessNameLength は事業者名の最大文字数。
	MaxBusinessNameLength = 200

	maxRotateAttempts = 3
)

// Encrypter はシークレットを暗号化する。vault.Vaultが実装する。
type Encrypter interface {
	Encrypt(plaintext []byte) (string, error)
}

// URLValidator はWebhook URLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Service はマーチャントの資格情報ライフサイクルを扱うサービス層。
type Service struct {
	repo      repository.MerchantRepository
	vault     Encrypter
	guard     URLValidator
	sanitizer *security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	repo repository.MerchantRepository,
	vault Encrypter,
	guard URLValidator,
	sanitizer *security.TextSanitizer,
) *Service {
	return &Service{
		repo:      repo,
		vault:     vault,
		guard:     guard,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// CreateMerchant はオーナーにマーチャントを作成し、APIキーとシークレットの平文を返す。
// 1ユーザーにつきマーチャントは1つまで。
func (s *Service) CreateMerchant(ctx context.Context, ownerID, businessName, webhookURL string) (*model.Credentials, error) {
	const op = "merchant.CreateMerchant"

	name, err := s.sanitizer.SanitizeName(businessName, MaxBusinessNameLength)
	if err != nil {
		return nil, model.NewValidationError(op, fmt.Sprintf("事業者名は%d文字以内で入力してください。", MaxBusinessNameLength))
	}
	if name == "" {
		return nil, model.NewValidationError(op, "事業者名を入力してください。")
	}

	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL != "" {
		if err := s.guard.ValidateURL(webhookURL); err != nil {
			slog.Warn("rejected webhook url",
				slog.String("owner_id", ownerID),
				slog.String("reason", err.Error()),
			)
			return nil, model.NewValidationError(op, "Webhook URLが不正です。")
		}
	}

	existing, err := s.repo.FindByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, merchantExistsError(op)
	}

	apiKey, err := randomHex(APIKeyBytes)
	if err != nil {
		return nil, err
	}
	apiSecret, err := randomHex(APISecretBytes)
	if err != nil {
		return nil, err
	}
	secretEnc, err := s.vault.Encrypt([]byte(apiSecret))
	if err != nil {
		return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
	}

	now := s.now()
	m := &model.Merchant{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		BusinessName:  name,
		APIKey:        apiKey,
		SecretEnc:     secretEnc,
		SecretVersion: 1,
		Status:        model.MerchantStatusActive,
		WebhookURL:    webhookURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Create(ctx, m); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, merchantExistsError(op)
		}
		return nil, fmt.Errorf("マーチャントの作成に失敗しました: %w", err)
	}

	slog.Info("merchant created",
		slog.String("merchant_id", m.ID),
		slog.String("api_key", apiKey),
	)

	return &model.Credentials{MerchantID: m.ID, APIKey: apiKey, APISecret: apiSecret}, nil
}

// RotateSecret は新しいシークレット（rotateKeyがtrueの場合はAPIキーも）を発行し、
// secret_versionによる条件付きUPDATEで置き換える。
// 他のローテーションに先を越された場合は最新の行を読み直して再試行する。
// 置き換え後は旧シークレットで計算した署名はすべて検証に失敗する。
func (s *Service) RotateSecret(ctx context.Context, merchantID string, rotateKey bool) (*model.Credentials, error) {
	const op = "merchant.RotateSecret"

	for attempt := 1; attempt <= maxRotateAttempts; attempt++ {
		m, err := s.repo.FindByID(ctx, merchantID)
		if err != nil {
			return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
		}
		if m == nil {
			return nil, merchantNotFoundError(op)
		}

		apiKey := m.APIKey
		if rotateKey {
			if apiKey, err = randomHex(APIKeyBytes); err != nil {
				return nil, err
			}
		}
		apiSecret, err := randomHex(APISecretBytes)
		if err != nil {
			return nil, err
		}
		secretEnc, err := s.vault.Encrypt([]byte(apiSecret))
		if err != nil {
			return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
		}

		ok, err := s.repo.UpdateCredentials(ctx, m.ID, m.SecretVersion, apiKey, secretEnc, s.now())
		if err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("資格情報の更新に失敗しました: %w", err)
		}
		if ok {
			slog.Info("merchant secret rotated",
				slog.String("merchant_id", m.ID),
				slog.String("api_key", apiKey),
				slog.Bool("key_rotated", rotateKey),
				slog.Int("secret_version", m.SecretVersion+1),
			)
			return &model.Credentials{MerchantID: m.ID, APIKey: apiKey, APISecret: apiSecret}, nil
		}

		slog.Warn("secret rotation lost race, retrying",
			slog.String("merchant_id", m.ID),
			slog.Int("attempt", attempt),
		)
	}

	return nil, model.NewConflictError(op, model.ErrCodeRotationConflict,
		"資格情報が同時に更新されました。時間をおいて再度お試しください。")
}

// FindByAPIKey はAPIキーでマーチャントを取得する。復号は行わない。
func (s *Service) FindByAPIKey(ctx context.Context, apiKey string) (*model.Merchant, error) {
	m, err := s.repo.FindByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, merchantNotFoundError("merchant.FindByAPIKey")
	}
	return m, nil
}

// FindByOwner はオーナーのユーザーIDでマーチャントを取得する。
func (s *Service) FindByOwner(ctx context.Context, ownerID string) (*model.Merchant, error) {
	m, err := s.repo.FindByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, merchantNotFoundError("merchant.FindByOwner")
	}
	return m, nil
}

// FindByID は指定IDのマーチャントを取得する。
func (s *Service) FindByID(ctx context.Context, merchantID string) (*model.Merchant, error) {
	m, err := s.repo.FindByID(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
	}
	if m == nil {
		return nil, merchantNotFoundError("merchant.FindByID")
	}
	return m, nil
}

func merchantNotFoundError(op string) error {
	return model.NewNotFoundError(op, model.ErrCodeMerchantNotFound, "マーチャントが見つかりません。")
}

func merchantExistsError(op string) error {
	return model.NewConflictError(op, model.ErrCodeMerchantExists, "このユーザーには既にマーチャントが登録されています。")
}

// randomHex はnバイトの暗号論的乱数を16進文字列で返す。
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
