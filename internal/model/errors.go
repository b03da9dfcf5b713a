// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, merchant, transaction, system
	Action   string // クライアント向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind はドメインエラーの種別。
// 呼び出し側はKindOfで取り出した値をswitchで網羅的に分岐する。
type ErrorKind int

const (
	// KindInternal は分類不能な内部エラー。
	KindInternal ErrorKind = iota
	// KindConfig は起動時の設定不備。プロセスは起動を中止する。
	KindConfig
	// KindValidation は入力値の不備。
	KindValidation
	// KindInvalidCredential は未知のマーチャント・ユーザー、またはパスワード不一致。
	KindInvalidCredential
	// KindInvalidSignature はHMAC署名の不一致。
	KindInvalidSignature
	// KindInvalidOrExpiredToken はJWTの検証失敗、期限切れ、失効済みリフレッシュトークン。
	KindInvalidOrExpiredToken
	// KindIntegrity は暗号文の改ざんまたは破損。
	KindIntegrity
	// KindNotFound は対象リソースが存在しない。
	KindNotFound
	// KindConflict は一意制約違反や状態遷移の競合。
	KindConflict
	// KindRateLimited はレート制限超過。
	KindRateLimited
)

// String はエラー種別の名前を返す。
func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindInvalidOrExpiredToken:
		return "invalid_or_expired_token"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// 定義済みエラーコード
const (
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeBodyTooLarge         = "BODY_TOO_LARGE"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeTokenMissing         = "TOKEN_MISSING"
	ErrCodeTokenExpired         = "TOKEN_EXPIRED"
	ErrCodeInvalidToken         = "INVALID_TOKEN"
	ErrCodeEmailTaken           = "EMAIL_TAKEN"
	ErrCodeMerchantNotFound     = "MERCHANT_NOT_FOUND"
	ErrCodeMerchantExists       = "MERCHANT_EXISTS"
	ErrCodeTransactionNotFound  = "TRANSACTION_NOT_FOUND"
	ErrCodeTransactionProcessed = "TRANSACTION_ALREADY_PROCESSED"
	ErrCodeRotationConflict     = "ROTATION_CONFLICT"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
)

// Error は種別タグ付きのドメインエラー。
// Messageはクライアントに返してよい文言のみを持ち、
// 内部の詳細はErrに包んでログにだけ残す。
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は内包するエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は種別タグ付きエラーを生成する。
func NewError(kind ErrorKind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// WrapError は既存のエラーを種別タグ付きエラーで包む。
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf はerrチェーン上の最初の*Errorの種別を返す。
// *Errorを含まないエラーはKindInternalとして扱う。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind はerrが指定種別のエラーかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NewConfigError は設定不備エラーを生成する。
func NewConfigError(op, message string) *Error {
	return NewError(KindConfig, op, ErrCodeInternal, message)
}

// NewValidationError は入力値エラーを生成する。
func NewValidationError(op, message string) *Error {
	return NewError(KindValidation, op, ErrCodeValidation, message)
}

// NewInvalidCredentialError は認証情報不正エラーを生成する。
func NewInvalidCredentialError(op string) *Error {
	return NewError(KindInvalidCredential, op, ErrCodeInvalidCredentials, "認証情報が無効です。")
}

// NewInvalidSignatureError は署名不一致エラーを生成する。
// クライアントへの応答はInvalidCredentialと区別しない。
func NewInvalidSignatureError(op string) *Error {
	return NewError(KindInvalidSignature, op, ErrCodeInvalidCredentials, "認証情報が無効です。")
}

// NewTokenExpiredError はトークン期限切れエラーを生成する。
func NewTokenExpiredError(op string, err error) *Error {
	return &Error{Kind: KindInvalidOrExpiredToken, Op: op, Code: ErrCodeTokenExpired, Message: "トークンの有効期限が切れています。", Err: err}
}

// NewInvalidTokenError は無効トークンエラーを生成する。
func NewInvalidTokenError(op string, err error) *Error {
	return &Error{Kind: KindInvalidOrExpiredToken, Op: op, Code: ErrCodeInvalidToken, Message: "トークンが無効です。", Err: err}
}

// NewIntegrityError は暗号文の完全性検証エラーを生成する。
func NewIntegrityError(op string) *Error {
	return NewError(KindIntegrity, op, ErrCodeInternal, "ciphertext integrity check failed")
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(op, code, message string) *Error {
	return NewError(KindNotFound, op, code, message)
}

// NewConflictError は競合エラーを生成する。
func NewConflictError(op, code, message string) *Error {
	return NewError(KindConflict, op, code, message)
}
