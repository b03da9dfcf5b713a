package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/paygate/internal/model"
)

// PostgresWebhookDeliveryRepo はPostgreSQLを使用したWebhook配信アウトボックスのリポジトリ。
type PostgresWebhookDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresWebhookDeliveryRepo はPostgresWebhookDeliveryRepoを生成する。
func NewPostgresWebhookDeliveryRepo(db *sql.DB) *PostgresWebhookDeliveryRepo {
	return &PostgresWebhookDeliveryRepo{db: db}
}

// ClaimDue は配信期限に達したpending行を取得し、next_attempt_atをleaseだけ先送りする。
// FOR UPDATE SKIP LOCKEDにより複数ワーカーが同じ行を同時に取得しない。
// lease中に配信結果が記録されなかった行は、lease経過後に再び取得対象になる。
func (r *PostgresWebhookDeliveryRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE webhook_deliveries
		 SET next_attempt_at = now() + $2::interval
		 WHERE id IN (
		     SELECT id FROM webhook_deliveries
		     WHERE status = 'pending' AND next_attempt_at <= now()
		     ORDER BY next_attempt_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, transaction_id, merchant_id, url, payload, status, attempts,
		           next_attempt_at, COALESCE(last_error, ''), created_at`,
		limit, fmt.Sprintf("%d seconds", int(lease.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*model.WebhookDelivery
	for rows.Next() {
		d := &model.WebhookDelivery{}
		var status string
		if err := rows.Scan(
			&d.ID, &d.TransactionID, &d.MerchantID, &d.URL, &d.Payload, &status, &d.Attempts,
			&d.NextAttemptAt, &d.LastError, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook deliveries: %w", err)
	}
	return deliveries, nil
}

// MarkDelivered は配信成功を記録する。
func (r *PostgresWebhookDeliveryRepo) MarkDelivered(ctx context.Context, id string, attempts int, deliveredAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'delivered', attempts = $1, delivered_at = $2, last_error = NULL
		 WHERE id = $3`,
		attempts, deliveredAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook delivered: %w", err)
	}
	return nil
}

// MarkRetry は配信失敗を記録し、次回配信時刻を設定する。
func (r *PostgresWebhookDeliveryRepo) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET attempts = $1, next_attempt_at = $2, last_error = $3
		 WHERE id = $4`,
		attempts, nextAttemptAt, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule webhook retry: %w", err)
	}
	return nil
}

// MarkFailed は再試行を打ち切ったことを記録する。
func (r *PostgresWebhookDeliveryRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'failed', attempts = $1, last_error = $2
		 WHERE id = $3`,
		attempts, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookDeliveryRepository = (*PostgresWebhookDeliveryRepo)(nil)
