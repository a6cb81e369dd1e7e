// Package signal はコンテキスト間で共有するシグナルストアを提供する。
// 元のコンテキストと検証リンクを開いたコンテキストの間には直接の通信路がなく、
// このストアへの書き込みとポーリングだけで検証完了や再開先を受け渡す。
package signal

import (
	"context"
	"errors"
	"strings"
)

// 既知のシグナルキー。
const (
	// KeyPendingEventJoin は検証完了後に再開する参加先パス。
	KeyPendingEventJoin = "pendingEventJoin"
	// KeyEmailVerified はいずれかのコンテキストで検証が完了したことを示すフラグ。
	KeyEmailVerified = "email_verified"
)

// ErrInvalidKey はキーが空、または長すぎる場合に返る。
var ErrInvalidKey = errors.New("signal: invalid key")

const maxKeyLength = 128

// Store は1つの名前空間に束縛されたキー/値ストア。
// 書き込みは後勝ちで、ロックは取らない。
type Store interface {
	// Get は値を返す。キーが存在しない場合はokがfalseになる。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set は値を上書きする。
	Set(ctx context.Context, key, value string) error
	// Delete はキーを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, key string) error
	// Clear は名前空間内の全キーを削除する。
	Clear(ctx context.Context) error
}

// Provider は名前空間ごとのStoreを払い出す。
type Provider interface {
	For(namespace string) Store
}

// ValidateKey はシグナルキーとして使えるかを検証する。
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, "/ \t\r\n") {
		return ErrInvalidKey
	}
	return nil
}

// IsSet はフラグ系シグナルの値が立っているかを判定する。
func IsSet(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}
