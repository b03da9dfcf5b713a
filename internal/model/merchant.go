package model

import "time"

// MerchantStatus はマーチャントアカウントの状態。
type MerchantStatus string

const (
	MerchantStatusActive   MerchantStatus = "active"
	MerchantStatusInactive MerchantStatus = "inactive"
)

// Merchant はマーチャントアカウントを表す。
// SecretEncはボールトで暗号化されたAPIシークレットで、平文は保持しない。
// SecretVersionはローテーションのたびに1ずつ増える。
type Merchant struct {
	ID            string
	OwnerID       string
	BusinessName  string
	APIKey        string
	SecretEnc     string
	SecretVersion int
	Status        MerchantStatus
	WebhookURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActive はマーチャントが有効かを返す。
func (m *Merchant) IsActive() bool {
	return m.Status == MerchantStatusActive
}

// MerchantContext は署名検証を通過したリクエストに紐づくマーチャント情報。
// 下流のハンドラーはこれだけを参照し、シークレットには触れない。
type MerchantContext struct {
	MerchantID   string
	APIKey       string
	BusinessName string
}

// Credentials は発行・ローテーション直後に一度だけ返されるキーとシークレット。
type Credentials struct {
	MerchantID string
	APIKey     string
	APISecret  string
}
