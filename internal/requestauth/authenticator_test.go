package requestauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/paygate/internal/merchant"
	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
	"github.com/hitoshi/paygate/internal/security"
	"github.com/hitoshi/paygate/internal/vault"
)

// --- モック定義 ---

// memMerchantRepo はメモリ上のMerchantRepository。
type memMerchantRepo struct {
	mu        sync.Mutex
	merchants map[string]*model.Merchant
}

func newMemMerchantRepo() *memMerchantRepo {
	return &memMerchantRepo{merchants: make(map[string]*model.Merchant)}
}

func (r *memMerchantRepo) Create(_ context.Context, m *model.Merchant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.merchants {
		if existing.OwnerID == m.OwnerID || existing.APIKey == m.APIKey {
			return repository.ErrDuplicate
		}
	}
	cp := *m
	r.merchants[m.ID] = &cp
	return nil
}

func (r *memMerchantRepo) FindByID(_ context.Context, id string) (*model.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMerchant(r.merchants[id]), nil
}

func (r *memMerchantRepo) FindByAPIKey(_ context.Context, apiKey string) (*model.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.merchants {
		if m.APIKey == apiKey {
			return copyMerchant(m), nil
		}
	}
	return nil, nil
}

func (r *memMerchantRepo) FindByOwnerID(_ context.Context, ownerID string) (*model.Merchant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.merchants {
		if m.OwnerID == ownerID {
			return copyMerchant(m), nil
		}
	}
	return nil, nil
}

func (r *memMerchantRepo) UpdateCredentials(_ context.Context, id string, expectedVersion int, apiKey, secretEnc string, updatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[id]
	if !ok || m.SecretVersion != expectedVersion {
		return false, nil
	}
	m.APIKey, m.SecretEnc, m.UpdatedAt = apiKey, secretEnc, updatedAt
	m.SecretVersion++
	return true, nil
}

func copyMerchant(m *model.Merchant) *model.Merchant {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// outcomeMetrics は署名検証の結果だけを数えるMetricsCollector。
type outcomeMetrics struct {
	metrics.Nop
	outcomes map[string]int
}

func (m *outcomeMetrics) RecordSignatureVerification(outcome string) {
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

// failingLookup は常にエラーを返すMerchantLookup。
type failingLookup struct{ err error }

func (f failingLookup) FindByAPIKey(context.Context, string) (*model.Merchant, error) {
	return nil, f.err
}

// countingVault は復号の回数を数えるSecretVault。
type countingVault struct {
	*vault.Vault
	decrypts int
}

func (v *countingVault) Decrypt(ciphertext string) ([]byte, error) {
	v.decrypts++
	return v.Vault.Decrypt(ciphertext)
}

// --- compile-time interface checks ---
var _ repository.MerchantRepository = (*memMerchantRepo)(nil)
var _ MerchantLookup = (*merchant.Service)(nil)
var _ SecretVault = (*vault.Vault)(nil)

type testEnv struct {
	auth      *Authenticator
	merchants *merchant.Service
	repo      *memMerchantRepo
	vault     *vault.Vault
	metrics   *outcomeMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	v, err := vault.New([]byte("requestauth-test-key-material-0123456789"))
	if err != nil {
		t.Fatalf("vault.New error: %v", err)
	}
	env := &testEnv{
		repo:    newMemMerchantRepo(),
		vault:   v,
		metrics: &outcomeMetrics{},
	}
	env.merchants = merchant.NewService(env.repo, v, security.NewSSRFGuard(), security.NewTextSanitizer())
	env.auth, err = New(env.merchants, v, env.metrics)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return env
}

func (env *testEnv) createMerchant(t *testing.T, ownerID string) *model.Credentials {
	t.Helper()
	creds, err := env.merchants.CreateMerchant(context.Background(), ownerID, "Acme", "")
	if err != nil {
		t.Fatalf("CreateMerchant error: %v", err)
	}
	return creds
}

func assertKind(t *testing.T, err error, want model.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	if got := model.KindOf(err); got != want {
		t.Fatalf("KindOf(err) = %v, want %v (err: %v)", got, want, err)
	}
}

var paymentBody = []byte(`{"amount":100,"currency":"INR","customer_email":"a@b.com"}`)

// --- テスト ---

func TestSign_KnownVector(t *testing.T) {
	// RFC 4231 Test Case 2
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func TestVerify_ValidSignature_ReturnsMerchantContext(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")

	mc, err := env.auth.Verify(context.Background(), creds.APIKey, Sign(creds.APISecret, paymentBody), paymentBody)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if mc.MerchantID != creds.MerchantID {
		t.Errorf("MerchantID = %q, want %q", mc.MerchantID, creds.MerchantID)
	}
	if mc.APIKey != creds.APIKey {
		t.Errorf("APIKey = %q, want %q", mc.APIKey, creds.APIKey)
	}
	if mc.BusinessName != "Acme" {
		t.Errorf("BusinessName = %q, want %q", mc.BusinessName, "Acme")
	}
	if env.metrics.outcomes[metrics.OutcomeValid] != 1 {
		t.Errorf("valid outcomes = %d, want 1", env.metrics.outcomes[metrics.OutcomeValid])
	}
}

func TestVerify_EmptyBody(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")

	if _, err := env.auth.Verify(context.Background(), creds.APIKey, Sign(creds.APISecret, nil), nil); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if _, err := env.auth.Verify(context.Background(), creds.APIKey, Sign(creds.APISecret, []byte("{}")), nil); err == nil {
		t.Fatal("signature over a different body must not verify an empty body")
	}
}

func TestVerify_BodyByteFlip_Rejected(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	sig := Sign(creds.APISecret, paymentBody)

	for i := range paymentBody {
		tampered := append([]byte(nil), paymentBody...)
		tampered[i] ^= 0x01
		_, err := env.auth.Verify(context.Background(), creds.APIKey, sig, tampered)
		if !model.IsKind(err, model.KindInvalidSignature) {
			t.Fatalf("byte %d flipped: expected invalid signature, got %v", i, err)
		}
	}
}

func TestVerify_SignatureByteFlip_Rejected(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	sig := []byte(Sign(creds.APISecret, paymentBody))

	for i := range sig {
		tampered := append([]byte(nil), sig...)
		if tampered[i] == '0' {
			tampered[i] = '1'
		} else {
			tampered[i] = '0'
		}
		_, err := env.auth.Verify(context.Background(), creds.APIKey, string(tampered), paymentBody)
		if !model.IsKind(err, model.KindInvalidSignature) {
			t.Fatalf("signature char %d changed: expected invalid signature, got %v", i, err)
		}
	}
}

func TestVerify_MalformedSignature_Rejected(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	valid := Sign(creds.APISecret, paymentBody)

	tests := []struct {
		name string
		sig  string
	}{
		{"empty", ""},
		{"not hex", "zz" + valid[2:]},
		{"odd length", valid[:63]},
		{"truncated", valid[:32]},
		{"extra byte", valid + "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Verify(context.Background(), creds.APIKey, tt.sig, paymentBody)
			assertKind(t, err, model.KindInvalidSignature)
		})
	}
}

func TestVerify_UppercaseHexSignature_Accepted(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	sig := Sign(creds.APISecret, paymentBody)

	upper := make([]byte, len(sig))
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		if c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		upper[i] = c
	}
	if _, err := env.auth.Verify(context.Background(), creds.APIKey, string(upper), paymentBody); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestVerify_UnknownKey_InvalidCredential(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")

	_, err := env.auth.Verify(context.Background(), "0123456789abcdef0123456789abcdef", Sign(creds.APISecret, paymentBody), paymentBody)
	assertKind(t, err, model.KindInvalidCredential)
	if env.metrics.outcomes[metrics.OutcomeInvalidKey] != 1 {
		t.Errorf("invalid key outcomes = %d, want 1", env.metrics.outcomes[metrics.OutcomeInvalidKey])
	}
}

func TestVerify_InactiveMerchant_InvalidCredential(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	env.repo.merchants[creds.MerchantID].Status = model.MerchantStatusInactive

	_, err := env.auth.Verify(context.Background(), creds.APIKey, Sign(creds.APISecret, paymentBody), paymentBody)
	assertKind(t, err, model.KindInvalidCredential)
}

func TestVerify_DecryptsOncePerRequestForAnyKey(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	inactive := env.createMerchant(t, "owner-2")
	env.repo.merchants[inactive.MerchantID].Status = model.MerchantStatusInactive

	cv := &countingVault{Vault: env.vault}
	a, err := New(env.merchants, cv, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	tests := []struct {
		name   string
		apiKey string
	}{
		{"known key", creds.APIKey},
		{"unknown key", "0123456789abcdef0123456789abcdef"},
		{"inactive merchant", inactive.APIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv.decrypts = 0
			_, _ = a.Verify(context.Background(), tt.apiKey, "00", paymentBody)
			if cv.decrypts != 1 {
				t.Errorf("decrypts = %d, want 1", cv.decrypts)
			}
		})
	}
}

func TestVerify_UnknownKeyAndBadSignature_SameClientError(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")

	_, errKey := env.auth.Verify(context.Background(), "unknown", "00", paymentBody)
	_, errSig := env.auth.Verify(context.Background(), creds.APIKey, "00", paymentBody)

	var a, b *model.Error
	if !errors.As(errKey, &a) || !errors.As(errSig, &b) {
		t.Fatalf("expected *model.Error for both, got %v / %v", errKey, errSig)
	}
	if a.Code != b.Code || a.Message != b.Message {
		t.Errorf("client-facing errors differ: (%q, %q) vs (%q, %q)", a.Code, a.Message, b.Code, b.Message)
	}
}

func TestVerify_CorruptedCiphertext_Internal(t *testing.T) {
	env := newTestEnv(t)
	creds := env.createMerchant(t, "owner-1")
	env.repo.merchants[creds.MerchantID].SecretEnc = "v1.AAAA"

	_, err := env.auth.Verify(context.Background(), creds.APIKey, Sign(creds.APISecret, paymentBody), paymentBody)
	assertKind(t, err, model.KindInternal)
	if !model.IsKind(errors.Unwrap(err), model.KindIntegrity) {
		t.Errorf("expected wrapped integrity error, got %v", err)
	}
	if env.metrics.outcomes[metrics.OutcomeIntegrityFailed] != 1 {
		t.Errorf("integrity outcomes = %d, want 1", env.metrics.outcomes[metrics.OutcomeIntegrityFailed])
	}
}

func TestVerify_LookupError_Propagates(t *testing.T) {
	v, err := vault.New([]byte("requestauth-test-key-material-0123456789"))
	if err != nil {
		t.Fatalf("vault.New error: %v", err)
	}
	a, err := New(failingLookup{err: errors.New("connection refused")}, v, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	_, err = a.Verify(context.Background(), "k", "00", paymentBody)
	assertKind(t, err, model.KindInternal)
}

func TestVerify_RotationInvalidatesOldSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 作成: (K1, S1)
	first := env.createMerchant(t, "owner-1")
	oldSig := Sign(first.APISecret, paymentBody)

	mc, err := env.auth.Verify(ctx, first.APIKey, oldSig, paymentBody)
	if err != nil {
		t.Fatalf("Verify with S1 error: %v", err)
	}
	if mc.MerchantID != first.MerchantID {
		t.Errorf("MerchantID = %q, want %q", mc.MerchantID, first.MerchantID)
	}

	// ローテーション: (K1, S2)
	rotated, err := env.merchants.RotateSecret(ctx, first.MerchantID, false)
	if err != nil {
		t.Fatalf("RotateSecret error: %v", err)
	}
	if rotated.APIKey != first.APIKey {
		t.Fatalf("APIKey = %q, want unchanged %q", rotated.APIKey, first.APIKey)
	}

	_, err = env.auth.Verify(ctx, first.APIKey, oldSig, paymentBody)
	assertKind(t, err, model.KindInvalidSignature)

	if _, err := env.auth.Verify(ctx, rotated.APIKey, Sign(rotated.APISecret, paymentBody), paymentBody); err != nil {
		t.Fatalf("Verify with S2 error: %v", err)
	}
}

func TestVerify_KeyRotation_OldKeyUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createMerchant(t, "owner-1")
	rotated, err := env.merchants.RotateSecret(ctx, first.MerchantID, true)
	if err != nil {
		t.Fatalf("RotateSecret error: %v", err)
	}

	_, err = env.auth.Verify(ctx, first.APIKey, Sign(rotated.APISecret, paymentBody), paymentBody)
	assertKind(t, err, model.KindInvalidCredential)

	if _, err := env.auth.Verify(ctx, rotated.APIKey, Sign(rotated.APISecret, paymentBody), paymentBody); err != nil {
		t.Fatalf("Verify with new pair error: %v", err)
	}
}

func TestVerify_SecretsAreNotShared(t *testing.T) {
	env := newTestEnv(t)
	a := env.createMerchant(t, "owner-a")
	b := env.createMerchant(t, "owner-b")

	_, err := env.auth.Verify(context.Background(), a.APIKey, Sign(b.APISecret, paymentBody), paymentBody)
	assertKind(t, err, model.KindInvalidSignature)
}
