// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/paygate/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
// 呼び出し側はerrors.Isで判定し、ドメインのConflictエラーに変換する。
var ErrDuplicate = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// RefreshTokenRepository はユーザーごとに1枠だけのリフレッシュトークン保存領域。
type RefreshTokenRepository interface {
	// Replace はユーザーの枠を1文のUPSERTで上書きする。
	// 以前のリフレッシュトークンはこの時点で無効になる。
	Replace(ctx context.Context, slot *model.RefreshSlot) error

	// FindByUserID はユーザーの枠を取得する。空の場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.RefreshSlot, error)

	// DeleteByUserID はユーザーの枠を削除する。空でもエラーにしない。
	DeleteByUserID(ctx context.Context, userID string) error
}

// MerchantRepository はマーチャントデータの永続化インターフェース。
type MerchantRepository interface {
	// Create はマーチャントを作成する。
	// オーナーまたはAPIキーが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, merchant *model.Merchant) error

	// FindByID は指定IDのマーチャントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Merchant, error)

	// FindByAPIKey はAPIキーでマーチャントを取得する。見つからない場合はnilを返す。
	// キー・暗号化シークレット・ステータスを1行の読み取りで返す。
	FindByAPIKey(ctx context.Context, apiKey string) (*model.Merchant, error)

	// FindByOwnerID はオーナーのユーザーIDでマーチャントを取得する。見つからない場合はnilを返す。
	FindByOwnerID(ctx context.Context, ownerID string) (*model.Merchant, error)

	// UpdateCredentials はsecret_versionが期待値と一致する場合に限り
	// APIキーと暗号化シークレットを同時に置き換える。
	// 他の更新に先を越された場合はfalseを返す。
	UpdateCredentials(ctx context.Context, id string, expectedVersion int, apiKey, secretEnc string, updatedAt time.Time) (bool, error)
}

// TransactionRepository は取引データの永続化インターフェース。
type TransactionRepository interface {
	// Create は取引を作成する。
	Create(ctx context.Context, tx *model.Transaction) error

	// FindByID は指定IDの取引を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Transaction, error)

	// ListByMerchant はマーチャントの取引を新しい順に返す。limitが0以下の場合は全件。
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*model.Transaction, error)

	// StatsByMerchant はマーチャントの取引をステータス別に集計する。
	StatsByMerchant(ctx context.Context, merchantID string) ([]model.TransactionStat, error)

	// Complete はpending状態の取引を指定ステータスに遷移させる。
	// deliveryがnilでない場合は同一トランザクションでWebhook配信行を作成する。
	// 取引がpendingでなかった場合はfalseを返し、何も書き込まない。
	Complete(ctx context.Context, id string, status model.TransactionStatus, updatedAt time.Time, delivery *model.WebhookDelivery) (bool, error)
}

// WebhookDeliveryRepository はWebhook配信アウトボックスの永続化インターフェース。
type WebhookDeliveryRepository interface {
	// ClaimDue は配信期限に達したpending行を最大limit件取得し、
	// 他のワーカーに重複取得されないようnext_attempt_atをleaseだけ先送りする。
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.WebhookDelivery, error)

	// MarkDelivered は配信成功を記録する。
	MarkDelivered(ctx context.Context, id string, attempts int, deliveredAt time.Time) error

	// MarkRetry は配信失敗を記録し、次回配信時刻を設定する。
	MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkFailed は再試行を打ち切ったことを記録する。
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}
