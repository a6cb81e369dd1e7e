// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// EmailVerified はアクションコードの適用によってのみ true になる。
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	PendingInvite string // 検証完了後に再開する参加先パス。未設定なら空文字
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Session はユーザーのログインセッションを表す。
// DeviceID はセッション開始時のシグナル名前空間。別コンテキストとの突き合わせに使う。
type Session struct {
	ID        string
	UserID    string
	DeviceID  string
	ExpiresAt time.Time
	CreatedAt time.Time
}
