// Package requestauth はマーチャントからのリクエストをHMAC-SHA256署名で検証する。
//
// 署名はリクエストボディのバイト列そのものに対して、復号したAPIシークレットを鍵として計算する。
// ボディの正規形はcanonicalパッケージが定義する。
// ログに残すのはAPIキーのみで、シークレットや期待・提示された署名は一切出力しない。
package requestauth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/model"
)

// MerchantLookup はAPIキーからマーチャントを引く。
// 見つからない場合はNotFoundエラーまたはnilを返す。
type MerchantLookup interface {
	FindByAPIKey(ctx context.Context, apiKey string) (*model.Merchant, error)
}

// SecretVault はシークレットの暗号化と復号を行う。vault.Vaultが実装する。
type SecretVault interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// Authenticator はマーチャントリクエストの署名を検証する。
type Authenticator struct {
	merchants MerchantLookup
	vault     SecretVault
	metrics   metrics.MetricsCollector

	// 未知のキーでも既知のキーと同じ復号とHMACを行うためのダミー
	dummyEnc string
	dummyKey []byte
}

// New はAuthenticatorを生成する。collectorがnilの場合はメトリクスを記録しない。
func New(merchants MerchantLookup, vault SecretVault, collector metrics.MetricsCollector) (*Authenticator, error) {
	dummy := make([]byte, 64)
	if _, err := rand.Read(dummy); err != nil {
		return nil, fmt.Errorf("failed to generate dummy key: %w", err)
	}
	dummyKey := []byte(hex.EncodeToString(dummy))
	dummyEnc, err := vault.Encrypt(dummyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt dummy key: %w", err)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Authenticator{
		merchants: merchants,
		vault:     vault,
		metrics:   collector,
		dummyEnc:  dummyEnc,
		dummyKey:  dummyKey,
	}, nil
}

// Verify はAPIキー・署名・生のボディを検証し、成功時にマーチャントコンテキストを返す。
//
// 未知のキーと無効なマーチャントはInvalidCredential、署名不一致はInvalidSignatureになる。
// 未知のキーでもダミー鍵の復号とHMACを行い、キーの存在が応答時間から分からないようにする。
// シークレットの復号失敗はInternalとして返す。
func (a *Authenticator) Verify(ctx context.Context, apiKey, signature string, body []byte) (*model.MerchantContext, error) {
	const op = "requestauth.Verify"

	m, err := a.merchants.FindByAPIKey(ctx, apiKey)
	if err != nil && !model.IsKind(err, model.KindNotFound) {
		return nil, fmt.Errorf("failed to look up merchant: %w", err)
	}
	if m == nil || !m.IsActive() {
		key, err := a.vault.Decrypt(a.dummyEnc)
		if err != nil {
			key = a.dummyKey
		}
		checkSignature(key, signature, body)
		a.metrics.RecordSignatureVerification(metrics.OutcomeInvalidKey)
		slog.Warn("merchant request rejected: unknown or inactive api key",
			slog.String("api_key", apiKey),
		)
		return nil, model.NewInvalidCredentialError(op)
	}

	secret, err := a.vault.Decrypt(m.SecretEnc)
	if err != nil {
		a.metrics.RecordSignatureVerification(metrics.OutcomeIntegrityFailed)
		slog.Error("failed to decrypt merchant secret",
			slog.String("api_key", apiKey),
		)
		return nil, model.WrapError(model.KindInternal, op, err)
	}

	if !checkSignature(secret, signature, body) {
		a.metrics.RecordSignatureVerification(metrics.OutcomeInvalidSig)
		slog.Warn("merchant request rejected: signature mismatch",
			slog.String("api_key", apiKey),
		)
		return nil, model.NewInvalidSignatureError(op)
	}

	a.metrics.RecordSignatureVerification(metrics.OutcomeValid)
	return &model.MerchantContext{
		MerchantID:   m.ID,
		APIKey:       m.APIKey,
		BusinessName: m.BusinessName,
	}, nil
}

// Sign はbodyに対するHMAC-SHA256署名を16進文字列で返す。
// 鍵はシークレット文字列のバイト列そのもの。
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(computeMAC([]byte(secret), body))
}

// checkSignature は提示された16進署名が期待値と一致するかを定数時間で比較する。
// 16進として不正な署名は不一致として扱う。
func checkSignature(key []byte, signature string, body []byte) bool {
	expected := computeMAC(key, body)
	presented, err := hex.DecodeString(signature)
	if err != nil {
		presented = nil
	}
	return hmac.Equal(expected, presented)
}

func computeMAC(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}
