package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/verifybridge/internal/model"
)

// PostgresSignalRepo はPostgreSQLを使用した共有シグナルリポジトリ。
// 同一キーへの書き込みは後勝ちで上書きされる。
type PostgresSignalRepo struct {
	db *sql.DB
}

// NewPostgresSignalRepo はPostgresSignalRepoを生成する。
func NewPostgresSignalRepo(db *sql.DB) *PostgresSignalRepo {
	return &PostgresSignalRepo{db: db}
}

// Get は指定キーの値を取得する。見つからない場合はnilを返す。
func (r *PostgresSignalRepo) Get(ctx context.Context, namespace, key string) (*model.Signal, error) {
	s := &model.Signal{}
	err := r.db.QueryRowContext(ctx,
		`SELECT namespace, key, value, updated_at FROM signals WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&s.Namespace, &s.Key, &s.Value, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal[%s/%s]: %w", namespace, key, err)
	}
	return s, nil
}

// Put は値を上書き保存する。
func (r *PostgresSignalRepo) Put(ctx context.Context, s *model.Signal) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO signals (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.Namespace, s.Key, s.Value, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put signal[%s/%s]: %w", s.Namespace, s.Key, err)
	}
	return nil
}

// Delete は指定キーを削除する。存在しなくてもエラーにしない。
func (r *PostgresSignalRepo) Delete(ctx context.Context, namespace, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM signals WHERE namespace = $1 AND key = $2`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete signal[%s/%s]: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace は名前空間内の全キーを削除する。
func (r *PostgresSignalRepo) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM signals WHERE namespace = $1`,
		namespace,
	)
	if err != nil {
		return fmt.Errorf("failed to clear signals[%s]: %w", namespace, err)
	}
	return nil
}

// compile-time interface check
var _ SignalRepository = (*PostgresSignalRepo)(nil)
