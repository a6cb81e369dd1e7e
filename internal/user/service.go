// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/verifybridge/internal/model"
	"github.com/hitoshi/verifybridge/internal/repository"
	"github.com/hitoshi/verifybridge/internal/security"
	"github.com/hitoshi/verifybridge/internal/verification"
)

// maxInviteLength は保存できる参加先の最大長。
const maxInviteLength = 512

// Service はユーザー管理のサービス層。
// プロフィール取得、保留中の参加先の保存、退会処理を提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sessionRepo repository.SessionRepository) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
	}
}

// GetProfile はユーザーを取得する。存在しない場合はUserNotFoundエラーを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// IsEmailVerified はユーザーのメールアドレスが検証済みかどうかを返す。
func (s *Service) IsEmailVerified(ctx context.Context, userID string) (bool, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.EmailVerified, nil
}

// SetPendingInvite は検証完了後に再開する参加先を保存する。
// 空文字は保存済みの参加先を消去する。
// HTMLは取り除いてから保存する。取り除いた結果が空になる値や、
// 遷移先パスを組み立てられない値（区切り文字のみなど）は入力エラーにする。
func (s *Service) SetPendingInvite(ctx context.Context, userID, invite string) error {
	raw := strings.TrimSpace(invite)
	invite = security.CleanText(raw)
	if raw != "" && invite == "" {
		return model.NewInvalidInputError("invite")
	}
	if len(invite) > maxInviteLength {
		return model.NewInvalidInputError(fmt.Sprintf("invite must be at most %d characters", maxInviteLength))
	}
	if invite != "" && verification.JoinPath(invite) == "" {
		return model.NewInvalidInputError("invite")
	}

	if _, err := s.GetProfile(ctx, userID); err != nil {
		return err
	}
	if err := s.userRepo.UpdatePendingInvite(ctx, userID, invite); err != nil {
		return fmt.Errorf("参加先の保存に失敗しました: %w", err)
	}

	slog.Info("pending invite updated",
		slog.String("user_id", userID),
		slog.Bool("cleared", invite == ""),
	)
	return nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: action_codes）
// 共有シグナルは端末単位のため残し、保持期間の経過で削除する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return err
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
