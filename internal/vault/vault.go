// Package vault はマーチャントシークレットの保存時暗号化を提供する。
//
// 暗号文の形式は "v1." + base64url(nonce || ciphertext || tag)。
// AES-256-GCMを使用し、鍵は設定値からHKDF-SHA256で導出する。
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/hitoshi/paygate/internal/model"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinKeyLength は鍵素材の最小バイト数。
	MinKeyLength = 32

	versionPrefix = "v1."
	hkdfInfo      = "paygate credential vault v1"
)

var encoding = base64.RawURLEncoding

// Vault はプロセス全体で共有する対称鍵でシークレットを暗号化・復号する。
// 状態を持たないため並行呼び出しに対して安全。
type Vault struct {
	aead cipher.AEAD
}

// New は鍵素材からVaultを生成する。
// 鍵素材が未設定または短すぎる場合はConfigエラーを返す。
// 起動時に1回だけ呼び出し、失敗した場合はプロセスを起動させない。
func New(keyMaterial []byte) (*Vault, error) {
	if len(keyMaterial) == 0 {
		return nil, model.NewConfigError("vault.New", "encryption key is not configured")
	}
	if len(keyMaterial) < MinKeyLength {
		return nil, model.NewConfigError("vault.New",
			fmt.Sprintf("encryption key must be at least %d bytes", MinKeyLength))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, model.WrapError(model.KindConfig, "vault.New", fmt.Errorf("failed to derive key: %w", err))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, model.WrapError(model.KindConfig, "vault.New", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, model.WrapError(model.KindConfig, "vault.New", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt は平文を暗号化する。呼び出しごとに新しいnonceを使うため、
// 同じ平文でも毎回異なる暗号文になる。
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", model.WrapError(model.KindInternal, "vault.Encrypt", fmt.Errorf("failed to generate nonce: %w", err))
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(versionPrefix))
	return versionPrefix + encoding.EncodeToString(sealed), nil
}

// Decrypt は暗号文を復号する。
// 形式不正・改ざん・鍵違いはすべて同じIntegrityエラーになる。
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	const op = "vault.Decrypt"

	encoded, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		return nil, model.NewIntegrityError(op)
	}

	raw, err := encoding.DecodeString(encoded)
	if err != nil {
		return nil, model.NewIntegrityError(op)
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize+v.aead.Overhead() {
		return nil, model.NewIntegrityError(op)
	}

	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(versionPrefix))
	if err != nil {
		return nil, model.NewIntegrityError(op)
	}

	return plaintext, nil
}
