package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/paygate/internal/model"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
)

// SignatureVerifier はマーチャントリクエストの署名検証に必要なインターフェース。
// requestauth.Authenticatorが実装する。
type SignatureVerifier interface {
	Verify(ctx context.Context, apiKey, signature string, body []byte) (*model.MerchantContext, error)
}

// NewSignatureMiddleware はX-API-KeyとX-Signatureでリクエストボディの署名を検証する
// ミドルウェアを返す。ボディはmaxBodyBytesまで読み込み、超過した場合は413を返す。
// 読み込んだボディはハンドラーのために元に戻し、マーチャントコンテキストを注入する。
func NewSignatureMiddleware(verifier SignatureVerifier, maxBodyBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middleware.RequireSignature"

			apiKey := r.Header.Get(HeaderAPIKey)
			signature := r.Header.Get(HeaderSignature)
			if apiKey == "" || signature == "" {
				WriteError(w, r, model.NewInvalidCredentialError(op))
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
				if err != nil {
					var tooLarge *http.MaxBytesError
					if errors.As(err, &tooLarge) {
						WriteError(w, r, model.NewError(model.KindValidation, op, model.ErrCodeBodyTooLarge,
							"リクエストボディが大きすぎます。"))
						return
					}
					WriteError(w, r, model.NewError(model.KindValidation, op, model.ErrCodeInvalidRequest,
						"リクエストボディを読み取れませんでした。"))
					return
				}
			}

			mc, err := verifier.Verify(r.Context(), apiKey, signature, body)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(ContextWithMerchant(r.Context(), mc)))
		})
	}
}

// MerchantFromContext は署名検証済みのマーチャントコンテキストを取得する。
func MerchantFromContext(ctx context.Context) (*model.MerchantContext, bool) {
	mc, ok := ctx.Value(merchantContextKey).(*model.MerchantContext)
	return mc, ok && mc != nil
}

// ContextWithMerchant はコンテキストにマーチャントコンテキストを注入する。
func ContextWithMerchant(ctx context.Context, mc *model.MerchantContext) context.Context {
	if mc != nil {
		annotateLog(ctx, func(f *logFields) { f.merchantID = mc.MerchantID })
	}
	return context.WithValue(ctx, merchantContextKey, mc)
}
