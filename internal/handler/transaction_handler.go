package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/paygate/internal/middleware"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/transaction"
	"github.com/hitoshi/paygate/internal/webhook"
)

// TransactionServiceInterface はマーチャントAPIのハンドラーが必要とするサービスインターフェース。
type TransactionServiceInterface interface {
	CreateCheckoutSession(ctx context.Context, merchantID string, in transaction.CheckoutInput) (*model.Transaction, error)
	Process(ctx context.Context, merchantID, transactionID string) (*model.Transaction, error)
	History(ctx context.Context, merchantID string) ([]*model.Transaction, error)
}

// compile-time interface check
var (
	_ TransactionServiceInterface = (*transaction.Service)(nil)
	_ TransactionQueryInterface   = (*transaction.Service)(nil)
)

// TransactionHandler は署名付きマーチャントAPIのHTTPハンドラー。
// すべてのエンドポイントは署名検証ミドルウェアを通過したリクエストを前提とする。
type TransactionHandler struct {
	service TransactionServiceInterface
}

// NewTransactionHandler はTransactionHandlerを生成する。
func NewTransactionHandler(service TransactionServiceInterface) *TransactionHandler {
	return &TransactionHandler{service: service}
}

type checkoutRequest struct {
	Amount        json.Number     `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerEmail string          `json:"customer_email"`
	Metadata      json.RawMessage `json:"metadata"`
}

type processRequest struct {
	TransactionID string `json:"transaction_id"`
}

type checkoutResponse struct {
	TransactionID string `json:"transaction_id"`
	Signature     string `json:"signature"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

type processResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// transactionResponse は取引一覧の要素。
type transactionResponse struct {
	ID            string          `json:"id"`
	MerchantID    string          `json:"merchant_id"`
	Amount        json.Number     `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerEmail string          `json:"customer_email"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Status        string          `json:"status"`
	Signature     string          `json:"signature"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type transactionListResponse struct {
	Total        int                   `json:"total"`
	Transactions []transactionResponse `json:"transactions"`
}

// CreateCheckoutSession はpendingの取引を作成し、確認署名を返す。
// POST /api/transaction/checkout-session
func (h *TransactionHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	mc, ok := merchantFromRequest(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, "handler.CreateCheckoutSession", &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	tx, err := h.service.CreateCheckoutSession(r.Context(), mc.MerchantID, transaction.CheckoutInput{
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		Metadata:      req.Metadata,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		TransactionID: tx.ID,
		Signature:     tx.Signature,
		Status:        string(tx.Status),
		Message:       "チェックアウトセッションを作成しました。",
	})
}

// Process はマーチャント自身のpending取引を決済する。
// POST /api/transaction/process
func (h *TransactionHandler) Process(w http.ResponseWriter, r *http.Request) {
	mc, ok := merchantFromRequest(w, r)
	if !ok {
		return
	}

	var req processRequest
	if err := decodeJSON(r, "handler.Process", &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	tx, err := h.service.Process(r.Context(), mc.MerchantID, req.TransactionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		Message:       "決済を処理しました。",
	})
}

// History はマーチャントの全取引を新しい順に返す。
// GET /api/transaction/history
func (h *TransactionHandler) History(w http.ResponseWriter, r *http.Request) {
	mc, ok := merchantFromRequest(w, r)
	if !ok {
		return
	}

	txs, err := h.service.History(r.Context(), mc.MerchantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionListResponse(txs))
}

// Webhook はWebhook配信の動作確認用の受信エンドポイント。
// 署名検証済みの配信を記録して200を返すだけで、状態は変更しない。
// POST /api/transaction/webhook
func (h *TransactionHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	mc, ok := merchantFromRequest(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var event struct {
		Event         string `json:"event"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("webhook received with non-JSON body",
			slog.String("merchant_id", mc.MerchantID),
			slog.Int("bytes", len(body)),
		)
	} else {
		slog.Info("webhook received",
			slog.String("merchant_id", mc.MerchantID),
			slog.String("event", event.Event),
			slog.String("transaction_id", event.TransactionID),
			slog.String("status", event.Status),
			slog.String("delivery_id", r.Header.Get(webhook.HeaderDeliveryID)),
		)
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "received"})
}

func merchantFromRequest(w http.ResponseWriter, r *http.Request) (*model.MerchantContext, bool) {
	mc, ok := middleware.MerchantFromContext(r.Context())
	if !ok {
		handleServiceError(w, r, model.NewInvalidCredentialError("handler.merchantFromRequest"))
		return nil, false
	}
	return mc, true
}

func toTransactionListResponse(txs []*model.Transaction) transactionListResponse {
	items := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		items[i] = transactionResponse{
			ID:            tx.ID,
			MerchantID:    tx.MerchantID,
			Amount:        json.Number(tx.Amount),
			Currency:      tx.Currency,
			CustomerEmail: tx.CustomerEmail,
			Metadata:      tx.Metadata,
			Status:        string(tx.Status),
			Signature:     tx.Signature,
			CreatedAt:     tx.CreatedAt,
			UpdatedAt:     tx.UpdatedAt,
		}
	}
	return transactionListResponse{Total: len(items), Transactions: items}
}
