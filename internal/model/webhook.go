package model

import "time"

// DeliveryStatus はWebhook配信の状態。
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery は取引結果通知のアウトボックス行。
// 取引ステータスの更新と同一トランザクションで作成され、ワーカーが非同期に配信する。
type WebhookDelivery struct {
	ID            string
	TransactionID string
	MerchantID    string
	URL           string
	Payload       []byte
	Status        DeliveryStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}
