// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 期限切れのアクションコードとセッション、保持期間（デフォルト7日）を
// 超えて更新されていない共有シグナルを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanup(target string, deleted int64)
}

// 削除対象。
const (
	TargetActionCodes = "action_codes"
	TargetSessions    = "sessions"
	TargetSignals     = "signals"
)

// DefaultSignalRetention は共有シグナルのデフォルト保持期間。
const DefaultSignalRetention = 7 * 24 * time.Hour

type target struct {
	name  string
	query string
	args  func(j *CleanupJob) []interface{}
}

var targets = []target{
	{
		name:  TargetActionCodes,
		query: `DELETE FROM action_codes WHERE expires_at < now()`,
	},
	{
		name:  TargetSessions,
		query: `DELETE FROM sessions WHERE expires_at < now()`,
	},
	{
		name:  TargetSignals,
		query: `DELETE FROM signals WHERE updated_at < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d seconds", int64(j.SignalRetention/time.Second))}
		},
	},
}

// CleanupJob は期限切れデータの自動削除ジョブ。
// 冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db              Executor
	logger          *slog.Logger
	recorder        Recorder
	SignalRetention time.Duration // 共有シグナルの保持期間（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:              db,
		logger:          logger,
		recorder:        recorder,
		SignalRetention: DefaultSignalRetention,
	}
}

// Run は全対象の削除を1回実行する。
// 1つの対象が失敗しても残りの対象は実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	var errs []error
	for _, t := range targets {
		if err := j.runTarget(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *CleanupJob) runTarget(ctx context.Context, t target) error {
	start := time.Now()

	var args []interface{}
	if t.args != nil {
		args = t.args(j)
	}

	result, err := j.db.ExecContext(ctx, t.query, args...)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("target", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sのクリーンアップに失敗: %w", t.name, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", t.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sの削除件数の取得に失敗: %w", t.name, err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanup(t.name, deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("target", t.name),
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
