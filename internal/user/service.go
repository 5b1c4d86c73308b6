// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/repository"
)

// maxStatusLength はusers.statusカラム(VARCHAR(255))の上限文字数。
const maxStatusLength = 255

// OwnedPostLister はユーザーのオーナーセットの投稿を返す。post.Storeが実装する。
type OwnedPostLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Post, error)
}

// Service はユーザー管理のサービス層。
// ステータスの参照・更新と、所有する投稿の一覧を提供する。
type Service struct {
	userRepo repository.UserRepository
	posts    OwnedPostLister
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, posts OwnedPostLister) *Service {
	return &Service{
		userRepo: userRepo,
		posts:    posts,
	}
}

// GetStatus はユーザーのステータスを返す。
func (s *Service) GetStatus(ctx context.Context, userID string) (string, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return "", model.NewStorageError(fmt.Errorf("ユーザーの取得に失敗しました: %w", err))
	}
	if user == nil {
		return "", model.NewUserNotFoundError()
	}
	return user.Status, nil
}

// UpdateStatus はユーザーのステータスを更新し、保存した値を返す。
// 前後の空白を除いて空の場合はValidationErrorを返す。
func (s *Service) UpdateStatus(ctx context.Context, userID, status string) (string, error) {
	status = strings.TrimSpace(status)
	switch {
	case status == "":
		return "", model.NewValidationError([]model.FieldError{
			{Field: "status", Message: "Status must not be empty."},
		})
	case len([]rune(status)) > maxStatusLength:
		return "", model.NewValidationError([]model.FieldError{
			{Field: "status", Message: fmt.Sprintf("Status must be at most %d characters long.", maxStatusLength)},
		})
	}

	if err := s.userRepo.UpdateStatus(ctx, userID, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", model.NewUserNotFoundError()
		}
		return "", model.NewStorageError(fmt.Errorf("ステータスの更新に失敗しました: %w", err))
	}

	slog.Info("user status updated",
		slog.String("user_id", userID),
	)
	return status, nil
}

// ListPosts はユーザーが所有する投稿を作成順に返す。
// 削除途中で残ったオーナーセットのエントリは含まない。
func (s *Service) ListPosts(ctx context.Context, userID string) ([]*model.Post, error) {
	return s.posts.ListByOwner(ctx, userID)
}
