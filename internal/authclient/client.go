// Package authclient はverifybridgeサーバーのHTTP APIを使う認証クライアントを提供する。
// verification.Authenticatorを実装し、元のコンテキスト側のLoopとExpiryGuardを
// プロセス外から動かすために使う。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/verification"
	"golang.org/x/sync/singleflight"
)

// DefaultWatchInterval はSubscribeが/auth/meを確認する既定の間隔。
const DefaultWatchInterval = 2 * time.Second

const maxErrorBodySize = 16 << 10

// Config はClientの設定。
type Config struct {
	BaseURL string
	// DeviceID はシグナルの名前空間。空なら新しく発行する。
	DeviceID string
	// WatchInterval はSubscribeの確認間隔。
	WatchInterval time.Duration
	// Timeout は1リクエストあたりのタイムアウト。
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client はサーバーのセッションCookieを保持する認証クライアント。
// 複数のゴルーチンから同時に使ってよい。
type Client struct {
	baseURL       *url.URL
	deviceID      string
	http          *http.Client
	watchInterval time.Duration
	logger        *slog.Logger

	csrfGroup singleflight.Group
	csrfMu    sync.RWMutex
	csrfToken string
}

var _ verification.Authenticator = (*Client)(nil)
var _ verification.SignOuter = (*Client)(nil)

// New はClientを生成する。
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("authclient: invalid base URL %q", cfg.BaseURL)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if !middleware.ValidDeviceID(deviceID) {
		return nil, fmt.Errorf("authclient: invalid device id %q", deviceID)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("authclient: failed to create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       base,
		deviceID:      deviceID,
		http:          &http.Client{Jar: jar, Timeout: timeout},
		watchInterval: interval,
		logger:        logger,
	}, nil
}

// DeviceID はこのクライアントが使う端末IDを返す。
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Error はサーバーが返したエラーレスポンス。
// 既知のコードはverificationの分類済みエラーにUnwrapされる。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authclient: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// PublicMessage は利用者に表示してよいメッセージを返す。
func (e *Error) PublicMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case model.ErrCodeInvalidActionCode:
		return verification.ErrInvalidActionCode
	case model.ErrCodeExpiredActionCode:
		return verification.ErrExpiredActionCode
	case model.ErrCodeUnauthorized:
		return verification.ErrSessionAbsent
	case model.ErrCodeResendFailed:
		return verification.ErrResendFailed
	default:
		return nil
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userBody struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func (u userBody) principal() *verification.Principal {
	return &verification.Principal{UID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified}
}

// Register はユーザーを登録してログインする。サーバーが最初の検証メールを送る。
func (c *Client) Register(ctx context.Context, email, password string) (*verification.Principal, error) {
	var body userBody
	if err := c.do(ctx, http.MethodPost, "/auth/register", credentials{email, password}, &body); err != nil {
		return nil, err
	}
	return body.principal(), nil
}

// Login はパスワードでログインする。
func (c *Client) Login(ctx context.Context, email, password string) error {
	return c.do(ctx, http.MethodPost, "/auth/login", credentials{email, password}, nil)
}

// CurrentPrincipal は現在のプリンシパルを返す。未認証ならnil, nil。
func (c *Client) CurrentPrincipal(ctx context.Context) (*verification.Principal, error) {
	var body userBody
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, &body)
	if errors.Is(err, verification.ErrSessionAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return body.principal(), nil
}

// Reload はプリンシパルの最新状態をサーバーから取得する。
// セッションが失われていればErrSessionAbsentを返す。
func (c *Client) Reload(ctx context.Context, p *verification.Principal) (*verification.Principal, error) {
	var body userBody
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &body); err != nil {
		return nil, err
	}
	reloaded := body.principal()
	if p != nil {
		reloaded.Token = p.Token
	}
	return reloaded, nil
}

// RefreshToken は最新の検証状態を反映したトークンを再発行する。
func (c *Client) RefreshToken(ctx context.Context, p *verification.Principal) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/token", nil, &body); err != nil {
		return "", err
	}
	return body.Token, nil
}

// SendVerificationEmail は検証メールの再送を要求する。
// cont.URLはサーバーのオリジンと一致する場合だけ採用され、
// それ以外はサーバーが端末IDから組み立てる。
func (c *Client) SendVerificationEmail(ctx context.Context, p *verification.Principal, cont verification.ContinueConfig) error {
	var body interface{}
	if cont.URL != "" {
		body = struct {
			ContinueURL string `json:"continue_url"`
		}{cont.URL}
	}
	return c.do(ctx, http.MethodPost, "/api/verification/send", body, nil)
}

// ApplyActionCode はワンタイムコードを適用する。
func (c *Client) ApplyActionCode(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/auth/action/apply", struct {
		Code string `json:"code"`
	}{code}, nil)
}

// SignOut はセッションを破棄する。
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Subscribe は/auth/meを定期的に確認し、プリンシパルが変化するたびにfnを呼ぶ。
// 初回の確認結果は必ず通知する。確認に失敗した回は通知しない。
func (c *Client) Subscribe(fn func(*verification.Principal)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.watch(ctx, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

type principalKey struct {
	present  bool
	uid      string
	verified bool
}

func keyOf(p *verification.Principal) principalKey {
	if p == nil {
		return principalKey{}
	}
	return principalKey{present: true, uid: p.UID, verified: p.EmailVerified}
}

func (c *Client) watch(ctx context.Context, fn func(*verification.Principal)) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	var (
		seen bool
		last principalKey
	)
	for {
		p, err := c.CurrentPrincipal(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("principal watch failed", slog.String("error", err.Error()))
		} else if k := keyOf(p); !seen || k != last {
			seen, last = true, k
			fn(p)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// do はJSONリクエストを送り、2xxならoutにデコードする。
// /api/配下の状態変更リクエストにはCSRFトークンを付け、拒否されたら1回だけ取り直す。
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authclient: failed to encode request: %w", err)
		}
		payload = b
	}
	needsCSRF := strings.HasPrefix(path, "/api/") && method != http.MethodGet

	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if needsCSRF {
			token, err := c.csrf(ctx, attempt > 0)
			if err != nil {
				return err
			}
			req.Header.Set(middleware.CSRFHeaderName, token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("authclient: %s %s: %w", method, path, err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := decodeError(resp)
			resp.Body.Close()
			if needsCSRF && attempt == 0 && apiErr.Code == model.ErrCodeCSRFFailed {
				continue
			}
			return apiErr
		}

		err = decodeBody(resp, out)
		resp.Body.Close()
		return err
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("authclient: failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(middleware.DeviceHeaderName, c.deviceID)
	return req, nil
}

// csrf はキャッシュ済みのCSRFトークンを返す。refreshなら取り直す。
// 同時に取り直す呼び出しは1回のリクエストにまとめる。
func (c *Client) csrf(ctx context.Context, refresh bool) (string, error) {
	if !refresh {
		c.csrfMu.RLock()
		token := c.csrfToken
		c.csrfMu.RUnlock()
		if token != "" {
			return token, nil
		}
	}

	v, err, _ := c.csrfGroup.Do("csrf", func() (interface{}, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/csrf-token", nil)
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("authclient: failed to fetch csrf token: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", decodeError(resp)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(resp, &body); err != nil {
			return "", err
		}
		c.csrfMu.Lock()
		c.csrfToken = body.Token
		c.csrfMu.Unlock()
		return body.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func decodeBody(resp *http.Response, out interface{}) error {
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authclient: failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if apiErr.Code == "" && resp.StatusCode == http.StatusUnauthorized {
		apiErr.Code = model.ErrCodeUnauthorized
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
