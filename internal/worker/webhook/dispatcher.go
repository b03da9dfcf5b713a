package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/paygate/internal/canonical"
	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
	"github.com/hitoshi/paygate/internal/requestauth"
	"github.com/hitoshi/paygate/internal/webhook"
)

// Sender はWebhookを送信し、受信側のHTTPステータスを返す。
type Sender interface {
	Deliver(ctx context.Context, msg webhook.Message) (int, error)
}

// MerchantFinder は署名に使うマーチャントを引く。
type MerchantFinder interface {
	FindByID(ctx context.Context, merchantID string) (*model.Merchant, error)
}

// Decrypter はマーチャントのシークレットを復号する。
type Decrypter interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// Dispatcher は1件のアウトボックス行を配信し、結果を記録する。
// ペイロードは配信時点のマーチャントのシークレットで署名する。
type Dispatcher struct {
	deliveries  repository.WebhookDeliveryRepository
	merchants   MerchantFinder
	vault       Decrypter
	sender      Sender
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher はDispatcherを生成する。
// maxAttemptsが0以下の場合はDefaultMaxAttemptsを使用する。
func NewDispatcher(
	deliveries repository.WebhookDeliveryRepository,
	merchants MerchantFinder,
	vault Decrypter,
	sender Sender,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxAttempts int,
) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		deliveries:  deliveries,
		merchants:   merchants,
		vault:       vault,
		sender:      sender,
		metrics:     collector,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Dispatch は配信を1回試み、delivered・retry・failedのいずれかを記録する。
// 返すエラーは結果の記録自体に失敗した場合のみ。
func (d *Dispatcher) Dispatch(ctx context.Context, delivery *model.WebhookDelivery) error {
	attempts := delivery.Attempts + 1

	msg, err := d.buildMessage(ctx, delivery)
	if err != nil {
		// 署名できない配信は再試行しても成功しない
		if errors.Is(err, errUnsignable) {
			return d.fail(ctx, delivery, attempts, err.Error())
		}
		return d.retry(ctx, delivery, attempts, err.Error())
	}

	start := d.now()
	status, sendErr := d.sender.Deliver(ctx, *msg)
	d.metrics.RecordWebhookLatency(d.now().Sub(start))

	if sendErr != nil {
		return d.retry(ctx, delivery, attempts, sendErr.Error())
	}

	switch ClassifyHTTPStatus(status) {
	case DeliveryResultOK:
		if err := d.deliveries.MarkDelivered(ctx, delivery.ID, attempts, d.now()); err != nil {
			return fmt.Errorf("failed to record delivery: %w", err)
		}
		d.metrics.RecordWebhookDelivery(metrics.DeliveryDelivered)
		d.logger.Info("webhook delivered",
			slog.String("delivery_id", delivery.ID),
			slog.String("transaction_id", delivery.TransactionID),
			slog.Int("http_status", status),
			slog.Int("attempts", attempts),
		)
		return nil
	case DeliveryResultDrop:
		return d.fail(ctx, delivery, attempts, fmt.Sprintf("receiver returned status %d", status))
	default:
		return d.retry(ctx, delivery, attempts, fmt.Sprintf("receiver returned status %d", status))
	}
}

var errUnsignable = errors.New("delivery cannot be signed")

func (d *Dispatcher) buildMessage(ctx context.Context, delivery *model.WebhookDelivery) (*webhook.Message, error) {
	// 受信側は届いたバイト列をそのまま検証するので、正規形以外は送らない
	if !canonical.IsCanonical(delivery.Payload) {
		return nil, fmt.Errorf("%w: payload is not canonical json", errUnsignable)
	}

	m, err := d.merchants.FindByID(ctx, delivery.MerchantID)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return nil, fmt.Errorf("%w: merchant not found", errUnsignable)
		}
		return nil, fmt.Errorf("failed to look up merchant: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: merchant not found", errUnsignable)
	}

	secret, err := d.vault.Decrypt(m.SecretEnc)
	if err != nil {
		d.logger.Error("failed to decrypt merchant secret",
			slog.String("delivery_id", delivery.ID),
			slog.String("api_key", m.APIKey),
		)
		return nil, fmt.Errorf("%w: secret integrity check failed", errUnsignable)
	}

	return &webhook.Message{
		DeliveryID: delivery.ID,
		URL:        delivery.URL,
		APIKey:     m.APIKey,
		Signature:  requestauth.Sign(string(secret), delivery.Payload),
		Payload:    delivery.Payload,
	}, nil
}

func (d *Dispatcher) retry(ctx context.Context, delivery *model.WebhookDelivery, attempts int, reason string) error {
	if attempts >= d.maxAttempts {
		return d.fail(ctx, delivery, attempts, reason)
	}

	delay := CalculateBackoff(attempts)
	if err := d.deliveries.MarkRetry(ctx, delivery.ID, attempts, d.now().Add(delay), reason); err != nil {
		return fmt.Errorf("failed to record retry: %w", err)
	}
	d.metrics.RecordWebhookDelivery(metrics.DeliveryRetry)
	d.logger.Warn("webhook delivery failed, will retry",
		slog.String("delivery_id", delivery.ID),
		slog.Int("attempts", attempts),
		slog.Duration("backoff", delay),
		slog.String("reason", reason),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, delivery *model.WebhookDelivery, attempts int, reason string) error {
	if err := d.deliveries.MarkFailed(ctx, delivery.ID, attempts, reason); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	d.metrics.RecordWebhookDelivery(metrics.DeliveryFailed)
	d.logger.Error("webhook delivery gave up",
		slog.String("delivery_id", delivery.ID),
		slog.String("transaction_id", delivery.TransactionID),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
	return nil
}
