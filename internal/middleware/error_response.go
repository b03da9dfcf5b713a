package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/paygate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// StatusForKind はエラー種別に対応するHTTPステータスを返す。
func StatusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindConfig, model.KindIntegrity, model.KindInternal:
		return http.StatusInternalServerError
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindInvalidCredential, model.KindInvalidSignature:
		return http.StatusUnauthorized
	case model.KindInvalidOrExpiredToken:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はerrをエラー種別に応じたステータスと統一フォーマットで書き込む。
// 500系のエラーは詳細をログにだけ残し、クライアントには一般的なメッセージを返す。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		logInternal(r, err)
		WriteInternalServerError(w)
		return
	}

	status := StatusForKind(e.Kind)
	if status == http.StatusInternalServerError {
		logInternal(r, err)
		WriteInternalServerError(w)
		return
	}
	if e.Code == model.ErrCodeBodyTooLarge {
		status = http.StatusRequestEntityTooLarge
	}

	code := e.Code
	if code == "" {
		code = defaultCode(e.Kind)
	}
	message := e.Message
	if message == "" {
		message = "リクエストを処理できませんでした。"
	}

	WriteErrorResponse(w, status, &model.APIError{
		Code:     code,
		Message:  message,
		Category: categoryFor(e.Kind, code),
		Action:   actionFor(e.Kind),
	})
}

func logInternal(r *http.Request, err error) {
	attrs := []any{slog.String("error", err.Error())}
	if r != nil {
		attrs = append(attrs,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}
	slog.Error("request failed", attrs...)
}

func defaultCode(kind model.ErrorKind) string {
	switch kind {
	case model.KindValidation:
		return model.ErrCodeValidation
	case model.KindInvalidCredential, model.KindInvalidSignature:
		return model.ErrCodeInvalidCredentials
	case model.KindInvalidOrExpiredToken:
		return model.ErrCodeInvalidToken
	case model.KindRateLimited:
		return model.ErrCodeRateLimitExceeded
	default:
		return model.ErrCodeInvalidRequest
	}
}

func categoryFor(kind model.ErrorKind, code string) string {
	switch kind {
	case model.KindValidation:
		return "validation"
	case model.KindInvalidCredential, model.KindInvalidSignature, model.KindInvalidOrExpiredToken:
		return "auth"
	case model.KindRateLimited:
		return "system"
	}
	switch {
	case strings.HasPrefix(code, "MERCHANT_"), code == model.ErrCodeRotationConflict:
		return "merchant"
	case strings.HasPrefix(code, "TRANSACTION_"):
		return "transaction"
	case code == model.ErrCodeEmailTaken:
		return "auth"
	default:
		return "system"
	}
}

func actionFor(kind model.ErrorKind) string {
	switch kind {
	case model.KindValidation:
		return "入力内容を確認してください。"
	case model.KindInvalidCredential, model.KindInvalidSignature:
		return "認証情報を確認してください。"
	case model.KindInvalidOrExpiredToken:
		return "再度ログインするか、トークンを更新してください。"
	case model.KindNotFound:
		return "指定したリソースを確認してください。"
	case model.KindConflict:
		return "現在の状態を確認してから再度お試しください。"
	case model.KindRateLimited:
		return "しばらく待ってから再度お試しください。"
	default:
		return "しばらく待ってから再度お試しください。"
	}
}
