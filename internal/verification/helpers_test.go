package verification

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	var w io.Writer = io.Discard
	if buf != nil {
		w = buf
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- Authenticatorのフェイク ---

type fakeAuth struct {
	mu sync.Mutex

	principal *Principal

	applyFn    func(ctx context.Context, code string) error
	currentErr error
	reloadErr  error
	refreshErr error
	sendErr    error
	signOutErr error

	reloads   int
	refreshes int
	sent      []ContinueConfig
	signedOut bool

	subs   map[int]func(*Principal)
	nextID int

	// beforeReload はReloadの先頭でロックの外から呼ばれる。
	beforeReload func()
}

func newFakeAuth(p *Principal) *fakeAuth {
	return &fakeAuth{principal: p, subs: make(map[int]func(*Principal))}
}

func (f *fakeAuth) ApplyActionCode(ctx context.Context, code string) error {
	if f.applyFn != nil {
		return f.applyFn(ctx, code)
	}
	return nil
}

func (f *fakeAuth) CurrentPrincipal(_ context.Context) (*Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	if f.principal == nil {
		return nil, nil
	}
	p := *f.principal
	return &p, nil
}

func (f *fakeAuth) Reload(_ context.Context, _ *Principal) (*Principal, error) {
	if f.beforeReload != nil {
		f.beforeReload()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.reloadErr != nil {
		return nil, f.reloadErr
	}
	if f.principal == nil {
		return nil, nil
	}
	p := *f.principal
	return &p, nil
}

func (f *fakeAuth) RefreshToken(_ context.Context, _ *Principal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return "refreshed-token", nil
}

func (f *fakeAuth) SendVerificationEmail(_ context.Context, _ *Principal, cont ContinueConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cont)
	return nil
}

func (f *fakeAuth) Subscribe(fn func(*Principal)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeAuth) SignOut(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = true
	return f.signOutErr
}

func (f *fakeAuth) setPrincipal(p *Principal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principal = p
}

func (f *fakeAuth) setVerified(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.principal != nil {
		f.principal.EmailVerified = v
	}
}

// emit は全購読者にプリンシパルを通知する。
func (f *fakeAuth) emit(p *Principal) {
	f.mu.Lock()
	fns := make([]func(*Principal), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (f *fakeAuth) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// --- Navigatorの記録用フェイク ---

type recordingNav struct {
	mu        sync.Mutex
	decisions []Decision
	ch        chan Decision
	err       error
}

func newRecordingNav() *recordingNav {
	return &recordingNav{ch: make(chan Decision, 16)}
}

func (n *recordingNav) Navigate(_ context.Context, d Decision) error {
	n.mu.Lock()
	n.decisions = append(n.decisions, d)
	n.mu.Unlock()
	select {
	case n.ch <- d:
	default:
	}
	return n.err
}

func (n *recordingNav) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.decisions)
}

func (n *recordingNav) wait(t *testing.T) Decision {
	t.Helper()
	select {
	case d := <-n.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for navigation")
		return Decision{}
	}
}

// --- Observerの記録用フェイク ---

type countingObserver struct {
	mu        sync.Mutex
	actions   map[string]int
	checks    map[string]int
	redirects map[string]int
	hints     int
	expired   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		actions:   make(map[string]int),
		checks:    make(map[string]int),
		redirects: make(map[string]int),
	}
}

func (o *countingObserver) ObserveAction(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions[outcome]++
}

func (o *countingObserver) ObserveCheck(source, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks[source+"/"+outcome]++
}

func (o *countingObserver) ObserveRedirect(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirects[kind]++
}

func (o *countingObserver) ObserveSignalHint() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hints++
}

func (o *countingObserver) ObserveGuardExpired() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired++
}

func (o *countingObserver) hintCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hints
}

// --- 書き込みに失敗するストア ---

type failingStore struct {
	getErr error
	setErr error
}

func (s failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, s.getErr
}
func (s failingStore) Set(context.Context, string, string) error { return s.setErr }
func (s failingStore) Delete(context.Context, string) error      { return nil }
func (s failingStore) Clear(context.Context) error               { return s.setErr }

var errBoom = errors.New("boom")

// eventually はcondがtrueになるまで待つ。
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
