package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/paygate/internal/middleware"
	"github.com/hitoshi/paygate/internal/model"
)

// messageResponse はメッセージだけを返すレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// ボディ上限超過はBODY_TOO_LARGE、それ以外の解析失敗はINVALID_REQUESTのValidationエラーになる。
func decodeJSON(r *http.Request, op string, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewError(model.KindValidation, op, model.ErrCodeBodyTooLarge, "リクエストボディが大きすぎます。")
	}
	if errors.Is(err, io.EOF) {
		return model.NewError(model.KindValidation, op, model.ErrCodeInvalidRequest, "リクエストボディが空です。")
	}
	return model.NewError(model.KindValidation, op, model.ErrCodeInvalidRequest, "リクエストボディの解析に失敗しました。")
}

// handleServiceError はサービス層のエラーを種別に応じたHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteError(w, r, err)
}
