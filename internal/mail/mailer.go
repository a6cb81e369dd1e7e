// Package mail は検証メールの配送を提供する。
package mail

import (
	"context"
	"log/slog"
)

// Message は送信するメール。
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	// Link は本文に含まれる検証リンク。ログ出力と開発時の確認に使う。
	Link string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer はメールを送らずに構造化ログへ出力するMailer。
// 開発環境と、外部のメール配送を別プロセスに任せる構成で使う。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメール内容をinfoレベルでログに出力する。
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("verification mail",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("link", msg.Link),
	)
	return nil
}
