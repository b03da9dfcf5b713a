package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/paygate/internal/model"
)

const transactionColumns = `id, merchant_id, amount::text, currency, customer_email, metadata,
	status, signature, created_at, updated_at`

// PostgresTransactionRepo はPostgreSQLを使用した取引リポジトリ。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

// Create は取引を作成する。
func (r *PostgresTransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, merchant_id, amount, currency, customer_email, metadata, status, signature, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.MerchantID, t.Amount, t.Currency, t.CustomerEmail, []byte(t.Metadata),
		string(t.Status), t.Signature, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDの取引を取得する。見つからない場合はnilを返す。
func (r *PostgresTransactionRepo) FindByID(ctx context.Context, id string) (*model.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`,
		id,
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return t, nil
}

// ListByMerchant はマーチャントの取引を新しい順に返す。limitが0以下の場合は全件。
func (r *PostgresTransactionRepo) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE merchant_id = $1 ORDER BY created_at DESC`
	args := []any{merchantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

// StatsByMerchant はマーチャントの取引をステータス別に集計する。
func (r *PostgresTransactionRepo) StatsByMerchant(ctx context.Context, merchantID string) ([]model.TransactionStat, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text
		 FROM transactions WHERE merchant_id = $1
		 GROUP BY status ORDER BY status`,
		merchantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	defer rows.Close()

	var stats []model.TransactionStat
	for rows.Next() {
		var s model.TransactionStat
		var status string
		if err := rows.Scan(&status, &s.Total, &s.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan transaction stat: %w", err)
		}
		s.Status = model.TransactionStatus(status)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction stats: %w", err)
	}
	return stats, nil
}

// Complete はpending状態の取引を指定ステータスに遷移させ、
// deliveryがあれば同一トランザクションでアウトボックスに積む。
// 配信そのものはコミット後にワーカーが行うため、配信失敗がステータス遷移を巻き戻すことはない。
func (r *PostgresTransactionRepo) Complete(ctx context.Context, id string, status model.TransactionStatus, updatedAt time.Time, delivery *model.WebhookDelivery) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = 'pending'`,
		string(status), updatedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if delivery != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO webhook_deliveries
			 (id, transaction_id, merchant_id, url, payload, status, attempts, next_attempt_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			delivery.ID, delivery.TransactionID, delivery.MerchantID, delivery.URL, delivery.Payload,
			string(delivery.Status), delivery.Attempts, delivery.NextAttemptAt, delivery.CreatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to enqueue webhook delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*model.Transaction, error) {
	t := &model.Transaction{}
	var status string
	var metadata []byte
	var signature sql.NullString

	if err := s.Scan(
		&t.ID, &t.MerchantID, &t.Amount, &t.Currency, &t.CustomerEmail, &metadata,
		&status, &signature, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Metadata = metadata
	t.Status = model.TransactionStatus(status)
	t.Signature = signature.String
	return t, nil
}

// compile-time interface check
var _ TransactionRepository = (*PostgresTransactionRepo)(nil)
