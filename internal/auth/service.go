// Package auth はパスワード認証、セッション管理、検証コードとIDトークンを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/verifybridge/internal/mail"
	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/repository"
	"github.com/hitoshi/verifybridge/internal/verification"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// ErrSessionNotFound はセッションが存在しないか期限切れ。
var ErrSessionNotFound = errors.New("session not found or expired")

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int           // セッション有効期間（秒）
	ActionCodeTTL time.Duration // 検証コードの有効期間
	BaseURL       string        // 検証リンクの組み立てに使う
	MailFrom      string
	BcryptCost    int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	codeRepo    repository.ActionCodeRepository
	tokens      *TokenIssuer
	mailer      mail.Mailer
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	codeRepo repository.ActionCodeRepository,
	tokens *TokenIssuer,
	mailer mail.Mailer,
	config ServiceConfig,
) *Service {
	if config.ActionCodeTTL <= 0 {
		config.ActionCodeTTL = 24 * time.Hour
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		codeRepo:    codeRepo,
		tokens:      tokens,
		mailer:      mailer,
		config:      config,
		now:         time.Now,
	}
}

// Register はユーザーを作成し、セッションを発行する。
// 検証メールの送信は呼び出し側がSendVerificationで行う。
func (s *Service) Register(ctx context.Context, email, password, deviceID string) (*model.User, *model.Session, error) {
	email = repository.NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return nil, nil, model.NewInvalidInputError("email")
	}
	if len(password) < minPasswordLength {
		return nil, nil, model.NewInvalidInputError(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, nil, model.NewEmailTakenError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.createSession(ctx, user.ID, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("new user registered",
		slog.String("user_id", user.ID),
		slog.String("device_id", deviceID),
	)
	return user, session, nil
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
func (s *Service) Login(ctx context.Context, email, password, deviceID string) (*model.Session, error) {
	user, err := s.userRepo.FindByEmail(ctx, repository.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user.ID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}

// IssueToken はユーザーの現在の検証状態を反映したIDトークンを発行する。
func (s *Service) IssueToken(user *model.User) (string, error) {
	return s.tokens.Issue(user.ID, user.Email, user.EmailVerified)
}

// VerifyToken はIDトークンを検証する。
func (s *Service) VerifyToken(token string, requireVerified bool) (*Claims, error) {
	return s.tokens.Verify(token, requireVerified)
}

// ApplyActionCode はワンタイムコードを適用し、ユーザーを検証済みにする。
// 未知・使用済みのコードはErrInvalidActionCode、期限切れはErrExpiredActionCodeを返す。
func (s *Service) ApplyActionCode(ctx context.Context, code string) error {
	codeHash := HashCode(code)

	ac, err := s.codeRepo.FindByHash(ctx, codeHash)
	if err != nil {
		return fmt.Errorf("failed to find action code: %w", err)
	}
	if ac == nil || ac.IsUsed() || ac.Mode != model.ActionModeVerifyEmail {
		return fmt.Errorf("apply action code: %w", verification.ErrInvalidActionCode)
	}
	now := s.now()
	if ac.IsExpired(now) {
		return fmt.Errorf("apply action code: %w", verification.ErrExpiredActionCode)
	}

	// ユーザーの検証済み化は冪等なので先に行う。失敗してもコードは未使用のまま残り、
	// 同じリンクで再試行できる。
	if err := s.userRepo.MarkEmailVerified(ctx, ac.UserID); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}

	ok, err := s.codeRepo.MarkUsed(ctx, codeHash, now)
	if err != nil {
		return fmt.Errorf("failed to mark action code used: %w", err)
	}
	if !ok {
		// 同じコードの同時適用に負けた
		return fmt.Errorf("apply action code: %w", verification.ErrInvalidActionCode)
	}

	slog.Info("email verified", slog.String("user_id", ac.UserID))
	return nil
}

// SendVerification は新しいワンタイムコードを発行し、検証メールを送信する。
// 検証リンクには端末の名前空間と、保存済みの参加先を埋め込む。
// 既に検証済みのユーザーには送信しない。
func (s *Service) SendVerification(ctx context.Context, userID, deviceID string, cont verification.ContinueConfig) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.EmailVerified {
		slog.Info("verification email skipped, already verified", slog.String("user_id", userID))
		return nil
	}

	code, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate action code: %w", err)
	}
	now := s.now()
	if err := s.codeRepo.Create(ctx, &model.ActionCode{
		CodeHash:  HashCode(code),
		UserID:    user.ID,
		Mode:      model.ActionModeVerifyEmail,
		ExpiresAt: now.Add(s.config.ActionCodeTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to save action code: %w", err)
	}

	link := s.actionLink(code, deviceID, user.PendingInvite, cont)
	msg := mail.Message{
		From:    s.config.MailFrom,
		To:      user.Email,
		Subject: "メールアドレスの確認",
		Body:    "以下のリンクを開いてメールアドレスを確認してください。\n\n" + link + "\n",
		Link:    link,
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	slog.Info("verification email sent",
		slog.String("user_id", user.ID),
		slog.String("device_id", deviceID),
	)
	return nil
}

func (s *Service) actionLink(code, deviceID, pendingInvite string, cont verification.ContinueConfig) string {
	q := url.Values{}
	q.Set(verification.ParamMode, verification.ModeVerifyEmail)
	q.Set(verification.ParamCode, code)
	if deviceID != "" {
		q.Set(verification.ParamDevice, deviceID)
	}
	if pendingInvite != "" {
		q.Set(verification.ParamPendingEventJoin, pendingInvite)
	}
	if cont.URL != "" {
		q.Set(verification.ParamContinueURL, cont.URL)
	}
	return strings.TrimRight(s.config.BaseURL, "/") + "/auth/action?" + q.Encode()
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, deviceID string) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		DeviceID:  deviceID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// HashCode はワンタイムコードの保存用ハッシュを返す。
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateToken は暗号的に安全なランダム文字列を生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
