package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hitoshi/verifybridge/internal/authclient"
	"github.com/hitoshi/verifybridge/internal/verification"
)

// waitOptions はwaitサブコマンドの設定。
// フラグが優先され、未指定なら VERIFYBRIDGE_* 環境変数を使う。
type waitOptions struct {
	Server       string
	Device       string
	Email        string
	Password     string
	Register     bool
	Resend       bool
	Secondary    bool
	PollInterval time.Duration
	Grace        time.Duration
	Timeout      time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

// parseWaitOptions はwaitサブコマンドの引数を解析する。
func parseWaitOptions(args []string) (waitOptions, error) {
	opts := waitOptions{}

	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Server, "server", envOr("VERIFYBRIDGE_SERVER", "http://localhost:8080"), "API server base URL")
	fs.StringVar(&opts.Device, "device", os.Getenv("VERIFYBRIDGE_DEVICE"), "device id (signal namespace)")
	fs.StringVar(&opts.Email, "email", os.Getenv("VERIFYBRIDGE_EMAIL"), "account email")
	fs.StringVar(&opts.Password, "password", os.Getenv("VERIFYBRIDGE_PASSWORD"), "account password")
	fs.BoolVar(&opts.Register, "register", false, "register the account instead of logging in")
	fs.BoolVar(&opts.Resend, "resend", false, "resend the verification email after starting")
	fs.BoolVar(&opts.Secondary, "secondary", false, "act as the context opened from the verification link")
	fs.DurationVar(&opts.PollInterval, "poll", envDurationOr("VERIFY_POLL_INTERVAL", verification.DefaultPollInterval), "poll interval")
	fs.DurationVar(&opts.Grace, "grace", envDurationOr("SESSION_GRACE_PERIOD", verification.DefaultGracePeriod), "grace period before returning to entry")
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "give up after this duration (0 disables)")

	if err := fs.Parse(args); err != nil {
		return waitOptions{}, fmt.Errorf("invalid wait arguments: %w", err)
	}
	if opts.Register && (opts.Email == "" || opts.Password == "") {
		return waitOptions{}, errors.New("-register requires -email and -password")
	}
	if (opts.Email == "") != (opts.Password == "") {
		return waitOptions{}, errors.New("-email and -password must be given together")
	}
	return opts, nil
}

// runWait は検証完了（または猶予切れ）まで待ち、実行された遷移判断を
// JSONで1行出力して終了する。
func runWait(ctx context.Context, w io.Writer, opts waitOptions) error {
	log := slog.Default()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client, err := authclient.New(authclient.Config{
		BaseURL:       opts.Server,
		DeviceID:      opts.Device,
		WatchInterval: opts.PollInterval,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	switch {
	case opts.Register:
		if _, err := client.Register(ctx, opts.Email, opts.Password); err != nil {
			return fmt.Errorf("register failed: %w", err)
		}
	case opts.Email != "":
		if err := client.Login(ctx, opts.Email, opts.Password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}

	log.Info("waiting for email verification",
		slog.String("server", opts.Server),
		slog.String("device_id", client.DeviceID()),
		slog.Bool("secondary", opts.Secondary),
	)

	decided := make(chan verification.Decision, 1)
	nav := verification.NavigatorFunc(func(ctx context.Context, d verification.Decision) error {
		select {
		case decided <- d:
		default:
		}
		return nil
	})

	store := client.Signals()
	router := verification.NewIntentRouter(verification.DefaultRoutes(), log, nil)
	loop := verification.NewLoop(client, store, router, nav, verification.LoopConfig{
		PollInterval: opts.PollInterval,
		Secondary:    opts.Secondary,
		ContinueURL:  verification.ContinueURL(opts.Server, client.DeviceID()),
	}, log, nil)
	guard := verification.NewExpiryGuard(client, store, nav, opts.Grace, "", log, nil)

	stopGuard, _ := guard.Arm(ctx, opts.Secondary)
	defer stopGuard()

	if err := loop.Start(ctx); err != nil {
		return err
	}
	defer loop.Stop()

	if opts.Resend {
		if n := loop.Resend(ctx); n.Err != nil {
			log.Warn("resend failed", slog.String("message", n.Message))
		}
	}

	select {
	case d := <-decided:
		return json.NewEncoder(w).Encode(d)
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for verification: %w", ctx.Err())
	}
}
