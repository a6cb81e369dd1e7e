package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はサブコマンド名。
type Command string

const (
	CommandServe   Command = "serve"
	CommandWorker  Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECK用。設定を読まない。
	CommandHealthcheck Command = "healthcheck"
	// CommandWait はAPIのクライアントとして検証完了を待ち、遷移判断を出力する。
	CommandWait Command = "wait"
	CommandHelp Command = "help"
)

var commands = []struct {
	cmd  Command
	help string
}{
	{CommandServe, "run the API server (default)"},
	{CommandWorker, "run the cleanup worker and its metrics endpoint"},
	{CommandMigrate, "apply database migrations and exit"},
	{CommandHealthcheck, "probe the local API /health endpoint"},
	{CommandWait, "wait for email verification and print the navigation decision"},
	{CommandHelp, "show this help"},
}

// ErrUnknownCommand は未知のサブコマンドを示す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand は先頭の引数からサブコマンドを決める。引数がなければserve。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownCommand, args[0])
}

// Usage はサブコマンド一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: verifybridge <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.help)
	}
	return b.String()
}
