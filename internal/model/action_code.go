package model

import "time"

// ActionMode はアクションコードの用途を表す。
type ActionMode string

const (
	// ActionModeVerifyEmail はメールアドレス検証用のアクションコード。
	ActionModeVerifyEmail ActionMode = "verifyEmail"
)

// ActionCode はメールで配送されるワンタイムコードを表す。
// 生のコードは保存せず、SHA-256ハッシュのみを保持する。
type ActionCode struct {
	CodeHash  string
	UserID    string
	Mode      ActionMode
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// IsUsed はコードが既に消費済みかどうかを返す。
func (c *ActionCode) IsUsed() bool {
	return c.UsedAt != nil
}

// IsExpired は指定時刻においてコードが期限切れかどうかを返す。
func (c *ActionCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Signal は共有シグナルストアの1エントリを表す。
// Namespace は同一ユーザージャーニーに属する全コンテキストで共有されるデバイスIDである。
type Signal struct {
	Namespace string
	Key       string
	Value     string
	UpdatedAt time.Time
}
