// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/verifybridge/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// MarkEmailVerified はユーザーのメールアドレスを検証済みにする。冪等。
	MarkEmailVerified(ctx context.Context, id string) error

	// UpdatePendingInvite は検証完了後に再開する参加先を保存する。
	UpdatePendingInvite(ctx context.Context, id, invite string) error

	// DeleteByID はユーザーを削除する。sessionsとaction_codesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ActionCodeRepository はワンタイムアクションコードの永続化インターフェース。
type ActionCodeRepository interface {
	// Create はアクションコードを保存する。
	Create(ctx context.Context, code *model.ActionCode) error

	// FindByHash はコードハッシュでアクションコードを取得する。
	// 使用済み・期限切れも含めて返す。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, codeHash string) (*model.ActionCode, error)

	// MarkUsed は未使用のコードを使用済みにする。
	// 既に使用済みだった場合はfalseを返す（同時適用の競合判定に使う）。
	MarkUsed(ctx context.Context, codeHash string, usedAt time.Time) (bool, error)
}

// SignalRepository は共有シグナルストアのキー/値の永続化インターフェース。
type SignalRepository interface {
	// Get は指定キーの値を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, namespace, key string) (*model.Signal, error)
	// Put は値を上書き保存する（last-write-wins）。
	Put(ctx context.Context, signal *model.Signal) error
	// Delete は指定キーを削除する。
	Delete(ctx context.Context, namespace, key string) error
	// DeleteNamespace は名前空間内の全キーを削除する。
	DeleteNamespace(ctx context.Context, namespace string) error
}
