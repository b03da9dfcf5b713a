// Package transaction はチェックアウトセッションの作成、決済処理、取引履歴の参照を提供する。
package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/paygate/internal/canonical"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
	"github.com/hitoshi/paygate/internal/requestauth"
	"github.com/hitoshi/paygate/internal/security"
)

const (
	// RecentLimit はダッシュボードの取引一覧に返す件数。
	RecentLimit = 100
	// DefaultCurrency は通貨が省略された場合の値。
	DefaultCurrency = "INR"
	// MaxEmailLength はメールアドレスの最大長。
	MaxEmailLength = 254

	// EventTransactionCompleted はWebhookペイロードのイベント名。
	EventTransactionCompleted = "transaction.completed"
)

var (
	// NUMERIC(18,2)に収まる10進表記
	amountPattern   = regexp.MustCompile(`^[0-9]{1,16}(\.[0-9]{1,2})?$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// MerchantFinder は配信先URLを決めるためにマーチャントを引く。
type MerchantFinder interface {
	FindByID(ctx context.Context, merchantID string) (*model.Merchant, error)
}

// CheckoutInput はチェックアウトセッション作成の入力。
// Amountはリクエストに書かれた数値リテラルをそのまま受け取る。
type CheckoutInput struct {
	Amount        string
	Currency      string
	CustomerEmail string
	Metadata      json.RawMessage
}

// Config はServiceの設定。
type Config struct {
	// ConfirmationSecret は確認署名の鍵。
	ConfirmationSecret string
	// DefaultWebhookURL はマーチャントにWebhook URLがない場合の配信先。空なら配信しない。
	DefaultWebhookURL string
}

// Service は取引のサービス層。
type Service struct {
	repo      repository.TransactionRepository
	merchants MerchantFinder
	processor PaymentProcessor
	sanitizer *security.TextSanitizer
	cfg       Config
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	repo repository.TransactionRepository,
	merchants MerchantFinder,
	processor PaymentProcessor,
	sanitizer *security.TextSanitizer,
	cfg Config,
) *Service {
	return &Service{
		repo:      repo,
		merchants: merchants,
		processor: processor,
		sanitizer: sanitizer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateCheckoutSession はpending状態の取引を作成し、確認署名を付けて返す。
// 確認署名はHMAC-SHA256(CONFIRMATION_SECRET, "<id>|<amount>")で、amountは小数点以下2桁に正規化した値。
func (s *Service) CreateCheckoutSession(ctx context.Context, merchantID string, in CheckoutInput) (*model.Transaction, error) {
	const op = "transaction.CreateCheckoutSession"

	amount, err := normalizeAmount(in.Amount)
	if err != nil {
		return nil, model.NewValidationError(op, err.Error())
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return nil, model.NewValidationError(op, "通貨はISO 4217の3文字コードで指定してください。")
	}

	email, err := validateEmail(in.CustomerEmail)
	if err != nil {
		return nil, model.NewValidationError(op, err.Error())
	}

	metadata, err := s.sanitizer.SanitizeMetadata(in.Metadata)
	if err != nil {
		return nil, model.NewValidationError(op, "metadataはJSONオブジェクトで指定してください。")
	}

	now := s.now()
	tx := &model.Transaction{
		ID:            uuid.New().String(),
		MerchantID:    merchantID,
		Amount:        amount,
		Currency:      currency,
		CustomerEmail: email,
		Metadata:      metadata,
		Status:        model.TransactionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx.Signature = s.ConfirmationSignature(tx.ID, tx.Amount)

	if err := s.repo.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("取引の作成に失敗しました: %w", err)
	}

	slog.Info("checkout session created",
		slog.String("merchant_id", merchantID),
		slog.String("transaction_id", tx.ID),
		slog.String("amount", tx.Amount),
		slog.String("currency", tx.Currency),
	)
	return tx, nil
}

// ConfirmationSignature は取引IDと金額に対する確認署名を返す。
func (s *Service) ConfirmationSignature(transactionID, amount string) string {
	return requestauth.Sign(s.cfg.ConfirmationSecret, []byte(transactionID+"|"+amount))
}

// Process はマーチャント自身のpending取引を決済し、結果のステータスに遷移させる。
// ステータス更新とWebhook配信行の作成は同一トランザクションで確定し、配信自体はワーカーが非同期に行う。
// 他マーチャントの取引は存在しないものとして扱う。
func (s *Service) Process(ctx context.Context, merchantID, transactionID string) (*model.Transaction, error) {
	const op = "transaction.Process"

	if strings.TrimSpace(transactionID) == "" {
		return nil, model.NewValidationError(op, "transaction_idを指定してください。")
	}
	if _, err := uuid.Parse(transactionID); err != nil {
		return nil, transactionNotFoundError(op)
	}

	tx, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("取引の取得に失敗しました: %w", err)
	}
	if tx == nil || tx.MerchantID != merchantID {
		return nil, transactionNotFoundError(op)
	}
	if tx.Status != model.TransactionStatusPending {
		return nil, transactionProcessedError(op)
	}

	status, err := s.processor.Process(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("決済処理に失敗しました: %w", err)
	}

	now := s.now()
	delivery, err := s.buildDelivery(ctx, tx, status, now)
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.Complete(ctx, tx.ID, status, now, delivery)
	if err != nil {
		return nil, fmt.Errorf("取引ステータスの更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, transactionProcessedError(op)
	}

	tx.Status = status
	tx.UpdatedAt = now

	attrs := []any{
		slog.String("merchant_id", merchantID),
		slog.String("transaction_id", tx.ID),
		slog.String("status", string(status)),
	}
	if delivery != nil {
		attrs = append(attrs, slog.String("delivery_id", delivery.ID))
	}
	slog.Info("transaction processed", attrs...)

	return tx, nil
}

// History はマーチャントの全取引を新しい順に返す。
func (s *Service) History(ctx context.Context, merchantID string) ([]*model.Transaction, error) {
	txs, err := s.repo.ListByMerchant(ctx, merchantID, 0)
	if err != nil {
		return nil, fmt.Errorf("取引履歴の取得に失敗しました: %w", err)
	}
	return txs, nil
}

// ListRecent はダッシュボード向けに直近RecentLimit件の取引を返す。
func (s *Service) ListRecent(ctx context.Context, merchantID string) ([]*model.Transaction, error) {
	txs, err := s.repo.ListByMerchant(ctx, merchantID, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("取引一覧の取得に失敗しました: %w", err)
	}
	return txs, nil
}

// Stats はステータス別の件数と合計金額を返す。
func (s *Service) Stats(ctx context.Context, merchantID string) ([]model.TransactionStat, error) {
	stats, err := s.repo.StatsByMerchant(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("取引集計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// buildDelivery は配信先がある場合にアウトボックス行を組み立てる。配信先がなければnil。
func (s *Service) buildDelivery(ctx context.Context, tx *model.Transaction, status model.TransactionStatus, now time.Time) (*model.WebhookDelivery, error) {
	url := s.cfg.DefaultWebhookURL
	m, err := s.merchants.FindByID(ctx, tx.MerchantID)
	if err != nil && !model.IsKind(err, model.KindNotFound) {
		return nil, fmt.Errorf("マーチャントの取得に失敗しました: %w", err)
	}
	if m != nil && m.WebhookURL != "" {
		url = m.WebhookURL
	}
	if url == "" {
		return nil, nil
	}

	payload, err := canonical.Marshal(map[string]any{
		"event":          EventTransactionCompleted,
		"transaction_id": tx.ID,
		"merchant_id":    tx.MerchantID,
		"status":         string(status),
		"amount":         json.Number(tx.Amount),
		"currency":       tx.Currency,
		"processed_at":   now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook payload: %w", err)
	}

	return &model.WebhookDelivery{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		MerchantID:    tx.MerchantID,
		URL:           url,
		Payload:       payload,
		Status:        model.DeliveryStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// normalizeAmount は金額を検証し、小数点以下2桁の表記に揃える。
func normalizeAmount(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("金額を入力してください。")
	}
	if !amountPattern.MatchString(raw) {
		return "", fmt.Errorf("金額は小数点以下2桁までの正の数で指定してください。")
	}

	whole, frac, _ := strings.Cut(raw, ".")
	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", 2-len(frac))

	if whole == "0" && frac == "00" {
		return "", fmt.Errorf("金額は0より大きい値を指定してください。")
	}
	return whole + "." + frac, nil
}

// validateEmail は表示名を含まない素のメールアドレスかを検証する。
func validateEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("customer_emailを入力してください。")
	}
	if len(email) > MaxEmailLength {
		return "", fmt.Errorf("customer_emailが長すぎます。")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("customer_emailの形式が正しくありません。")
	}
	return email, nil
}

func transactionNotFoundError(op string) error {
	return model.NewNotFoundError(op, model.ErrCodeTransactionNotFound, "取引が見つかりません。")
}

func transactionProcessedError(op string) error {
	return model.NewConflictError(op, model.ErrCodeTransactionProcessed, "この取引は既に処理されています。")
}
