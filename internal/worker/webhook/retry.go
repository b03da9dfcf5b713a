package webhook

import (
	"time"
)

// DeliveryResult はHTTPステータスコードに基づく配信結果の分類。
type DeliveryResult int

const (
	// DeliveryResultOK は配信成功（2xx）。
	DeliveryResultOK DeliveryResult = iota
	// DeliveryResultDrop は再試行しても成功しない応答（408/429以外の4xx）。
	DeliveryResultDrop
	// DeliveryResultRetry は再試行する応答（接続失敗、408、429、5xx、その他）。
	DeliveryResultRetry
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
	// DefaultMaxAttempts は配信を打ち切るまでの試行回数。
	DefaultMaxAttempts = 8
)

// ClassifyHTTPStatus はHTTPステータスコードを配信結果に分類する。
// 0は接続失敗を表す。
func ClassifyHTTPStatus(statusCode int) DeliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryResultOK
	case statusCode == 408 || statusCode == 429:
		return DeliveryResultRetry
	case statusCode >= 400 && statusCode < 500:
		return DeliveryResultDrop
	default:
		return DeliveryResultRetry
	}
}

// CalculateBackoff は失敗回数に基づいて次回配信までの遅延を計算する。
// 1回目の失敗後は30秒、以降2倍ずつ増加し、最大1時間。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
