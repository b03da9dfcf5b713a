package middleware

import "net/http"

// NewBodyLimitMiddleware はリクエストボディの読み込みをmaxBytesまでに制限するミドルウェアを返す。
// 超過した場合、ハンドラーでの読み込みが*http.MaxBytesErrorで失敗する。
func NewBodyLimitMiddleware(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
