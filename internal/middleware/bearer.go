// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/paygate/internal/auth"
	"github.com/hitoshi/paygate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey   = contextKey("user_id")
	emailContextKey    = contextKey("email")
	merchantContextKey = contextKey("merchant")
)

// AccessTokenParser はアクセストークンの検証に必要なインターフェース。
// auth.Serviceが実装する。
type AccessTokenParser interface {
	ParseAccessToken(token string) (*auth.Claims, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// ユーザーIDとメールアドレスをリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない場合は401 TOKEN_MISSING、期限切れや不正なトークンは403を返す。
func NewBearerAuthMiddleware(parser AccessTokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     model.ErrCodeTokenMissing,
					Message:  "アクセストークンがありません。",
					Category: "auth",
					Action:   "ログインしてください。",
				})
				return
			}

			claims, err := parser.ParseAccessToken(token)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := ContextWithUser(r.Context(), claims.Subject, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken は"Bearer <token>"形式のヘッダーからトークンを取り出す。
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// Bearer認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// EmailFromContext はアクセストークンのemailクレームを取得する。
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}

// ContextWithUser はコンテキストにユーザーIDとメールアドレスを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, userID, email string) context.Context {
	annotateLog(ctx, func(f *logFields) { f.userID = userID })
	ctx = context.WithValue(ctx, userIDContextKey, userID)
	return context.WithValue(ctx, emailContextKey, email)
}
