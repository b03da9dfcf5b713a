// Package webhook はマーチャントへの取引結果通知の送信を提供する。
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// userAgent は送信リクエストのUser-Agent。
	userAgent = "Paygate-Webhook/1.0"
	// maxResponseDrain は応答ボディを読み捨てる最大バイト数。
	maxResponseDrain = 64 << 10

	HeaderAPIKey     = "X-API-Key"
	HeaderSignature  = "X-Signature"
	HeaderDeliveryID = "X-Paygate-Delivery"
)

// Message は1回分の送信内容。
// Payloadは正規エンコーディング済みのJSONで、Signatureはそのバイト列に対するHMAC。
type Message struct {
	DeliveryID string
	URL        string
	APIKey     string
	Signature  string
	Payload    []byte
}

// Client はWebhookをPOSTするHTTPクライアント。
// httpClientにはSSRF対策済みのクライアントを渡す。
type Client struct {
	httpClient *http.Client
	trusted    map[string]*http.Client
	logger     *slog.Logger
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTrustedOrigin はrawURLと同じオリジン（スキームとホスト）宛ての配信にだけhcを使う。
// 運用者が設定したデフォルトの送信先をSSRF対策の対象外にするためのもの。
func WithTrustedOrigin(rawURL string, hc *http.Client) Option {
	return func(c *Client) {
		if o := origin(rawURL); o != "" && hc != nil {
			c.trusted[o] = hc
		}
	}
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		trusted:    make(map[string]*http.Client),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) clientFor(rawURL string) *http.Client {
	if hc, ok := c.trusted[origin(rawURL)]; ok {
		return hc
	}
	return c.httpClient
}

func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Deliver はメッセージをPOSTし、受信側のHTTPステータスを返す。
// 接続できなかった場合はステータス0とエラーを返す。ステータスの解釈は呼び出し元が行う。
func (c *Client) Deliver(ctx context.Context, msg Message) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(msg.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderAPIKey, msg.APIKey)
	req.Header.Set(HeaderSignature, msg.Signature)
	req.Header.Set(HeaderDeliveryID, msg.DeliveryID)

	resp, err := c.clientFor(msg.URL).Do(req)
	if err != nil {
		c.logger.Warn("webhook request failed",
			slog.String("delivery_id", msg.DeliveryID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// コネクション再利用のため読み捨てる
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	return resp.StatusCode, nil
}
