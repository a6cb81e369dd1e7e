package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/verifybridge/internal/model"
)

// PostgresActionCodeRepo はPostgreSQLを使用したアクションコードリポジトリ。
type PostgresActionCodeRepo struct {
	db *sql.DB
}

// NewPostgresActionCodeRepo はPostgresActionCodeRepoを生成する。
func NewPostgresActionCodeRepo(db *sql.DB) *PostgresActionCodeRepo {
	return &PostgresActionCodeRepo{db: db}
}

// Create はアクションコードを保存する。
func (r *PostgresActionCodeRepo) Create(ctx context.Context, code *model.ActionCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO action_codes (code_hash, user_id, mode, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		code.CodeHash, code.UserID, string(code.Mode), code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create action code: %w", err)
	}
	return nil
}

// FindByHash はコードハッシュでアクションコードを取得する。見つからない場合はnilを返す。
func (r *PostgresActionCodeRepo) FindByHash(ctx context.Context, codeHash string) (*model.ActionCode, error) {
	code := &model.ActionCode{}
	var mode string
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT code_hash, user_id, mode, expires_at, used_at, created_at
		 FROM action_codes
		 WHERE code_hash = $1`,
		codeHash,
	).Scan(&code.CodeHash, &code.UserID, &mode, &code.ExpiresAt, &usedAt, &code.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find action code: %w", err)
	}

	code.Mode = model.ActionMode(mode)
	if usedAt.Valid {
		t := usedAt.Time
		code.UsedAt = &t
	}
	return code, nil
}

// MarkUsed は未使用のコードを使用済みにする。
// used_at IS NULL を条件にするため、同じコードの同時適用は1件だけが成功する。
func (r *PostgresActionCodeRepo) MarkUsed(ctx context.Context, codeHash string, usedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE action_codes SET used_at = $2 WHERE code_hash = $1 AND used_at IS NULL`,
		codeHash, usedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark action code used: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// compile-time interface check
var _ ActionCodeRepository = (*PostgresActionCodeRepo)(nil)
