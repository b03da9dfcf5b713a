package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/paygate/internal/model"
)

const merchantColumns = `id, owner_id, business_name, api_key, secret_enc, secret_version,
	status, webhook_url, created_at, updated_at`

// PostgresMerchantRepo はPostgreSQLを使用したマーチャントリポジトリ。
type PostgresMerchantRepo struct {
	db *sql.DB
}

// NewPostgresMerchantRepo はPostgresMerchantRepoを生成する。
func NewPostgresMerchantRepo(db *sql.DB) *PostgresMerchantRepo {
	return &PostgresMerchantRepo{db: db}
}

// Create はマーチャントを作成する。
func (r *PostgresMerchantRepo) Create(ctx context.Context, m *model.Merchant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO merchants (`+merchantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.OwnerID, m.BusinessName, m.APIKey, m.SecretEnc, m.SecretVersion,
		string(m.Status), nullString(m.WebhookURL), m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert merchant: %w", err)
	}
	return nil
}

// FindByID は指定IDのマーチャントを取得する。見つからない場合はnilを返す。
func (r *PostgresMerchantRepo) FindByID(ctx context.Context, id string) (*model.Merchant, error) {
	return r.findOne(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)
}

// FindByAPIKey はAPIキーでマーチャントを取得する。見つからない場合はnilを返す。
func (r *PostgresMerchantRepo) FindByAPIKey(ctx context.Context, apiKey string) (*model.Merchant, error) {
	return r.findOne(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE api_key = $1`, apiKey)
}

// FindByOwnerID はオーナーのユーザーIDでマーチャントを取得する。見つからない場合はnilを返す。
func (r *PostgresMerchantRepo) FindByOwnerID(ctx context.Context, ownerID string) (*model.Merchant, error) {
	return r.findOne(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE owner_id = $1`, ownerID)
}

// UpdateCredentials はsecret_versionによる楽観的排他でキーとシークレットを同時に置き換える。
// 単一のUPDATE文なので、読み取り側は旧ペアか新ペアのどちらかしか観測しない。
func (r *PostgresMerchantRepo) UpdateCredentials(ctx context.Context, id string, expectedVersion int, apiKey, secretEnc string, updatedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE merchants
		 SET api_key = $1, secret_enc = $2, secret_version = secret_version + 1, updated_at = $3
		 WHERE id = $4 AND secret_version = $5`,
		apiKey, secretEnc, updatedAt, id, expectedVersion,
	)
	if isUniqueViolation(err) {
		return false, ErrDuplicate
	}
	if err != nil {
		return false, fmt.Errorf("failed to update merchant credentials: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *PostgresMerchantRepo) findOne(ctx context.Context, query, arg string) (*model.Merchant, error) {
	m := &model.Merchant{}
	var status string
	var webhookURL sql.NullString

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&m.ID, &m.OwnerID, &m.BusinessName, &m.APIKey, &m.SecretEnc, &m.SecretVersion,
		&status, &webhookURL, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find merchant: %w", err)
	}

	m.Status = model.MerchantStatus(status)
	m.WebhookURL = webhookURL.String
	return m, nil
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ MerchantRepository = (*PostgresMerchantRepo)(nil)
