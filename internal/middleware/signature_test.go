package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/requestauth"
)

// compile-time interface check
var _ SignatureVerifier = (*requestauth.Authenticator)(nil)

// hmacVerifier はAPIキーごとのシークレットで署名を照合するテスト用の検証器。
type hmacVerifier struct {
	secrets  map[string]string
	gotBody  []byte
	verified int
}

func (v *hmacVerifier) Verify(_ context.Context, apiKey, signature string, body []byte) (*model.MerchantContext, error) {
	v.verified++
	v.gotBody = body
	secret, ok := v.secrets[apiKey]
	if !ok {
		return nil, model.NewInvalidCredentialError("test.Verify")
	}
	if requestauth.Sign(secret, body) != strings.ToLower(signature) {
		return nil, model.NewInvalidSignatureError("test.Verify")
	}
	return &model.MerchantContext{MerchantID: "m-" + apiKey, APIKey: apiKey}, nil
}

func newSignedRequest(apiKey, secret, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/checkout-session", strings.NewReader(body))
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderSignature, requestauth.Sign(secret, []byte(body)))
	return req
}

func TestSignatureMiddleware_ValidSignature_RestoresBodyAndInjectsMerchant(t *testing.T) {
	verifier := &hmacVerifier{secrets: map[string]string{"pk_1": "sk_1"}}
	body := `{"amount":100.50,"customer_email":"c@example.com"}`

	var gotBody string
	var gotMerchant *model.MerchantContext
	handler := NewSignatureMiddleware(verifier, 10*1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMerchant, _ = MerchantFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newSignedRequest("pk_1", "sk_1", body))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if gotBody != body {
		t.Errorf("handler body = %q, want %q", gotBody, body)
	}
	if string(verifier.gotBody) != body {
		t.Errorf("verified body = %q, want %q", verifier.gotBody, body)
	}
	if gotMerchant == nil || gotMerchant.MerchantID != "m-pk_1" {
		t.Errorf("merchant = %+v, want MerchantID m-pk_1", gotMerchant)
	}
}

func TestSignatureMiddleware_MissingHeaders_Returns401(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		signature string
	}{
		{"both missing", "", ""},
		{"key missing", "", "abcd"},
		{"signature missing", "pk_1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &hmacVerifier{secrets: map[string]string{"pk_1": "sk_1"}}
			handler := NewSignatureMiddleware(verifier, 1024)(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
			if tt.apiKey != "" {
				req.Header.Set(HeaderAPIKey, tt.apiKey)
			}
			if tt.signature != "" {
				req.Header.Set(HeaderSignature, tt.signature)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if verifier.verified != 0 {
				t.Error("verifier should not be called without headers")
			}
		})
	}
}

// TestSignatureMiddleware_FailuresShareOneResponse はキー不明と署名不一致のレスポンスが同一であることを検証する。
func TestSignatureMiddleware_FailuresShareOneResponse(t *testing.T) {
	verifier := &hmacVerifier{secrets: map[string]string{"pk_1": "sk_1"}}
	handler := NewSignatureMiddleware(verifier, 1024)(okHandler())

	unknown := httptest.NewRecorder()
	handler.ServeHTTP(unknown, newSignedRequest("pk_unknown", "sk_1", "{}"))

	tampered := newSignedRequest("pk_1", "sk_1", "{}")
	tampered.Body = io.NopCloser(strings.NewReader(`{"x":1}`))
	mismatch := httptest.NewRecorder()
	handler.ServeHTTP(mismatch, tampered)

	if unknown.Code != http.StatusUnauthorized || mismatch.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d/%d, want 401/401", unknown.Code, mismatch.Code)
	}
	if unknown.Body.String() != mismatch.Body.String() {
		t.Errorf("responses differ:\n%s\n%s", unknown.Body.String(), mismatch.Body.String())
	}
}

func TestSignatureMiddleware_BodyTooLarge_Returns413(t *testing.T) {
	verifier := &hmacVerifier{secrets: map[string]string{"pk_1": "sk_1"}}
	handler := NewSignatureMiddleware(verifier, 16)(okHandler())

	body := strings.Repeat("a", 17)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newSignedRequest("pk_1", "sk_1", body))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	var resp ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Code != model.ErrCodeBodyTooLarge {
		t.Errorf("code = %q, want %q", resp.Code, model.ErrCodeBodyTooLarge)
	}
	if verifier.verified != 0 {
		t.Error("verifier should not be called for oversized bodies")
	}
}

func TestSignatureMiddleware_BodyAtLimitAccepted(t *testing.T) {
	verifier := &hmacVerifier{secrets: map[string]string{"pk_1": "sk_1"}}
	handler := NewSignatureMiddleware(verifier, 16)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newSignedRequest("pk_1", "sk_1", strings.Repeat("a", 16)))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMerchantFromContext_Missing(t *testing.T) {
	if _, ok := MerchantFromContext(context.Background()); ok {
		t.Error("expected no merchant in empty context")
	}
}
