// Package logger はslogのJSONロガーを組み立てる。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redacted は秘匿キーの値の置き換え先。
const redacted = "[REDACTED]"

// sensitiveKeys の値は出力しない。検証コード・トークン・パスワードが対象。
var sensitiveKeys = map[string]struct{}{
	"oobcode":    {},
	"code":       {},
	"password":   {},
	"token":      {},
	"id_token":   {},
	"csrf_token": {},
	"session_id": {},
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Setup はinfo以上を出力するJSONロガーを返す。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel は level 以上を w にJSONで出すロガーを返す。
// 秘匿キーの値は置き換える。
func SetupWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}))
}

// ParseLevel はLOG_LEVELの値を解釈する。不明な値はinfo。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupDefault はグローバルロガーを差し替える。wがnilならstdout。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}
