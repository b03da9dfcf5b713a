package model

import "time"

// User はダッシュボードを利用するユーザーアカウントを表す。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshSlot はユーザーごとに1つだけ保持されるリフレッシュトークンの枠。
// ログインで上書き、ログアウトで削除される。
// トークン本体は保存せず、SHA-256ハッシュのみを持つ。
type RefreshSlot struct {
	UserID    string
	TokenHash []byte
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenPair はログイン成功時に発行されるトークンの組。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
