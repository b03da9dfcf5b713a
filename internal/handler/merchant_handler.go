package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/paygate/internal/merchant"
	"github.com/hitoshi/paygate/internal/middleware"
	"github.com/hitoshi/paygate/internal/model"
)

// MerchantServiceInterface はマーチャントハンドラーが必要とするサービスインターフェース。
type MerchantServiceInterface interface {
	CreateMerchant(ctx context.Context, ownerID, businessName, webhookURL string) (*model.Credentials, error)
	RotateSecret(ctx context.Context, merchantID string, rotateKey bool) (*model.Credentials, error)
	FindByOwner(ctx context.Context, ownerID string) (*model.Merchant, error)
}

// TransactionQueryInterface はダッシュボード向けの取引参照インターフェース。
type TransactionQueryInterface interface {
	ListRecent(ctx context.Context, merchantID string) ([]*model.Transaction, error)
	Stats(ctx context.Context, merchantID string) ([]model.TransactionStat, error)
}

// compile-time interface check
var _ MerchantServiceInterface = (*merchant.Service)(nil)

// MerchantHandler はダッシュボードからのマーチャント管理のHTTPハンドラー。
// すべてのエンドポイントはBearer認証済みのユーザーを前提とする。
type MerchantHandler struct {
	merchants    MerchantServiceInterface
	transactions TransactionQueryInterface
}

// NewMerchantHandler はMerchantHandlerを生成する。
func NewMerchantHandler(merchants MerchantServiceInterface, transactions TransactionQueryInterface) *MerchantHandler {
	return &MerchantHandler{
		merchants:    merchants,
		transactions: transactions,
	}
}

type createMerchantRequest struct {
	BusinessName string `json:"business_name"`
	WebhookURL   string `json:"webhook_url"`
}

type rotateRequest struct {
	RotateKey bool `json:"rotate_key"`
}

type createMerchantResponse struct {
	MerchantID string `json:"merchant_id"`
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Message    string `json:"message"`
}

type merchantKeysResponse struct {
	BusinessName string    `json:"business_name"`
	APIKey       string    `json:"apiKey"`
	Status       string    `json:"status"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type rotateResponse struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	Message   string `json:"message"`
}

type statResponse struct {
	Status      string      `json:"status"`
	Total       int64       `json:"total"`
	TotalAmount json.Number `json:"total_amount"`
}

// Create はログイン中のユーザーにマーチャントを作成する。
// シークレットの平文が返るのはこのレスポンスとローテーション時だけ。
// POST /api/merchant/create
func (h *MerchantHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createMerchantRequest
	if err := decodeJSON(r, "handler.CreateMerchant", &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	creds, err := h.merchants.CreateMerchant(r.Context(), userID, req.BusinessName, req.WebhookURL)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createMerchantResponse{
		MerchantID: creds.MerchantID,
		APIKey:     creds.APIKey,
		APISecret:  creds.APISecret,
		Message:    "マーチャントを作成しました。シークレットは再表示できないため安全に保管してください。",
	})
}

// Keys はマーチャントのAPIキーと状態を返す。シークレットは含まない。
// GET /api/merchant/keys
func (h *MerchantHandler) Keys(w http.ResponseWriter, r *http.Request) {
	m, ok := h.ownMerchant(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, merchantKeysResponse{
		BusinessName: m.BusinessName,
		APIKey:       m.APIKey,
		Status:       string(m.Status),
		WebhookURL:   m.WebhookURL,
		CreatedAt:    m.CreatedAt,
	})
}

// Rotate はシークレットを再発行する。rotate_keyがtrueならAPIキーも同時に置き換える。
// POST /api/merchant/rotate
func (h *MerchantHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	m, ok := h.ownMerchant(w, r)
	if !ok {
		return
	}

	var req rotateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, "handler.Rotate", &req); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	creds, err := h.merchants.RotateSecret(r.Context(), m.ID, req.RotateKey)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rotateResponse{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		Message:   "APIシークレットを更新しました。以前のシークレットは使用できません。",
	})
}

// Transactions は直近の取引を新しい順に返す。
// GET /api/merchant/transactions
func (h *MerchantHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	m, ok := h.ownMerchant(w, r)
	if !ok {
		return
	}

	txs, err := h.transactions.ListRecent(r.Context(), m.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionListResponse(txs))
}

// Stats はステータス別の件数と合計金額を返す。
// GET /api/merchant/stats
func (h *MerchantHandler) Stats(w http.ResponseWriter, r *http.Request) {
	m, ok := h.ownMerchant(w, r)
	if !ok {
		return
	}

	stats, err := h.transactions.Stats(r.Context(), m.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]statResponse, len(stats))
	for i, s := range stats {
		resp[i] = statResponse{
			Status:      string(s.Status),
			Total:       s.Total,
			TotalAmount: json.Number(s.TotalAmount),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MerchantHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeTokenMissing,
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "ログインしてください。",
		})
		return "", false
	}
	return userID, true
}

// ownMerchant はログイン中のユーザーが所有するマーチャントを取得する。
func (h *MerchantHandler) ownMerchant(w http.ResponseWriter, r *http.Request) (*model.Merchant, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return nil, false
	}

	m, err := h.merchants.FindByOwner(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return nil, false
	}
	return m, true
}
