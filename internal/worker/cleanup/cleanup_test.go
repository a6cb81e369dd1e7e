package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor はExecutorのモック実装。
// テストではPostgreSQLを使わず、SQLクエリの内容と引数を検証する。
type mockExecutor struct {
	mu    sync.Mutex
	calls []execCall
	// rows はクエリに含まれるテーブル名ごとの削除件数。
	rows map[string]int64
	// fail はエラーを返すテーブル名。
	fail string
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, execCall{query: query, args: args})
	if m.fail != "" && strings.Contains(query, "FROM "+m.fail+" ") {
		return nil, sql.ErrConnDone
	}
	for table, n := range m.rows {
		if strings.Contains(query, "FROM "+table+" ") {
			return &fakeResult{rowsAffected: n}, nil
		}
	}
	return &fakeResult{}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockRecorder struct {
	deleted map[string]int64
}

func (r *mockRecorder) RecordCleanup(target string, deleted int64) {
	if r.deleted == nil {
		r.deleted = make(map[string]int64)
	}
	r.deleted[target] += deleted
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// logEntries はJSONログを1行ずつデコードする。
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf), nil)

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.SignalRetention != 7*24*time.Hour {
		t.Errorf("SignalRetention = %v, want 168h", job.SignalRetention)
	}
}

func TestCleanupJob_Run_DeletesEveryTarget(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	wantTables := []string{"DELETE FROM action_codes", "DELETE FROM sessions", "DELETE FROM signals"}
	if len(mock.calls) != len(wantTables) {
		t.Fatalf("ExecContext の呼び出し回数 = %d, want %d", len(mock.calls), len(wantTables))
	}
	for i, want := range wantTables {
		if !strings.Contains(mock.calls[i].query, want) {
			t.Errorf("calls[%d] のクエリに %q が含まれていない: %s", i, want, mock.calls[i].query)
		}
	}
}

func TestCleanupJob_Run_UsesSignalRetentionInterval(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		want      string
	}{
		{name: "デフォルト", retention: DefaultSignalRetention, want: "604800 seconds"},
		{name: "1時間", retention: time.Hour, want: "3600 seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{}
			job := NewCleanupJob(mock, newTestLogger(&buf), nil)
			job.SignalRetention = tt.retention

			_ = job.Run(context.Background())

			last := mock.calls[len(mock.calls)-1]
			if len(last.args) != 1 {
				t.Fatalf("signals の削除に渡された引数 = %v", last.args)
			}
			if got, _ := last.args[0].(string); got != tt.want {
				t.Errorf("interval引数 = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanupJob_Run_LogsAndRecordsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{rows: map[string]int64{"sessions": 42, "signals": 3}}
	rec := &mockRecorder{}
	job := NewCleanupJob(mock, newTestLogger(&buf), rec)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if rec.deleted[TargetSessions] != 42 || rec.deleted[TargetSignals] != 3 || rec.deleted[TargetActionCodes] != 0 {
		t.Errorf("recorded = %v", rec.deleted)
	}

	found := false
	for _, entry := range logEntries(t, &buf) {
		if entry["target"] == TargetSessions && entry["deleted_count"] == float64(42) {
			found = true
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("ログに duration_ms が記録されていない")
			}
		}
	}
	if !found {
		t.Errorf("ログに sessions の deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{fail: "sessions"}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Errorf("失敗後も残りの対象を実行すべき: calls = %d, want 3", len(mock.calls))
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf), nil)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.callCount() < len(targets) {
		select {
		case <-deadline:
			t.Fatal("起動直後の実行が行われなかった")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}
