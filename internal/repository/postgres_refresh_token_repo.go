package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/paygate/internal/model"
)

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークン枠のリポジトリ。
// refresh_token_slotsはuser_idを主キーとし、1ユーザー1行に制限される。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Replace はユーザーの枠を1文のUPSERTで上書きする。
// 同一ユーザーの同時ログインは行ロックで直列化され、最後に書いた値だけが残る。
func (r *PostgresRefreshTokenRepo) Replace(ctx context.Context, slot *model.RefreshSlot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_token_slots (user_id, token_hash, expires_at, issued_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET token_hash = EXCLUDED.token_hash,
		     expires_at = EXCLUDED.expires_at,
		     issued_at  = EXCLUDED.issued_at`,
		slot.UserID, slot.TokenHash, slot.ExpiresAt, slot.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace refresh token slot: %w", err)
	}
	return nil
}

// FindByUserID はユーザーの枠を取得する。空の場合はnilを返す。
func (r *PostgresRefreshTokenRepo) FindByUserID(ctx context.Context, userID string) (*model.RefreshSlot, error) {
	slot := &model.RefreshSlot{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, token_hash, expires_at, issued_at
		 FROM refresh_token_slots WHERE user_id = $1`,
		userID,
	).Scan(&slot.UserID, &slot.TokenHash, &slot.ExpiresAt, &slot.IssuedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token slot: %w", err)
	}
	return slot, nil
}

// DeleteByUserID はユーザーの枠を削除する。空でもエラーにしない。
func (r *PostgresRefreshTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM refresh_token_slots WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete refresh token slot: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
