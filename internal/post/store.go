// Package post は投稿のCRUDとページング、画像参照の付け替えを提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/repository"
	"github.com/hitoshi/livefeed/internal/security"
)

// ImageReleaser は不要になった画像アーティファクトを解放する。
// 解放の失敗は実装側で記録され、呼び出し側には返らない。
type ImageReleaser interface {
	Release(path string)
}

// DeletionRecorder は投稿削除の後処理が完了しなかったことを記録する。
type DeletionRecorder interface {
	RecordPostDeletionIncomplete()
}

// Input は投稿の作成・更新の入力値。
type Input struct {
	Title     string
	Content   string
	ImagePath string
}

// ListResult は投稿一覧の1ページ分の結果。
type ListResult struct {
	Posts      []*model.Post
	TotalItems int
	Page       int
	PageSize   int
}

// Config はStoreの検証・ページングの設定。
type Config struct {
	TitleMinLength   int
	ContentMinLength int
	DefaultPageSize  int
	MaxPageSize      int
}

// maxTitleLength はposts.titleカラム(VARCHAR(255))の上限文字数。
const maxTitleLength = 255

// DefaultConfig はデフォルトのStore設定を返す。
func DefaultConfig() Config {
	return Config{
		TitleMinLength:   5,
		ContentMinLength: 5,
		DefaultPageSize:  2,
		MaxPageSize:      50,
	}
}

// Store は投稿の永続化と画像参照の整合性を管理する。
type Store struct {
	posts     repository.PostRepository
	owners    repository.OwnerSetRepository
	images    ImageReleaser
	sanitizer security.ContentSanitizerService
	recorder  DeletionRecorder
	config    Config
	now       func() time.Time
}

// Option はStoreの設定オプション。
type Option func(*Store)

// WithDeletionRecorder は削除の部分失敗の記録先を設定する。
func WithDeletionRecorder(r DeletionRecorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithClock は作成・更新時刻に使う時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore は新しいStoreを生成する。
func NewStore(
	posts repository.PostRepository,
	owners repository.OwnerSetRepository,
	images ImageReleaser,
	sanitizer security.ContentSanitizerService,
	config Config,
	opts ...Option,
) *Store {
	s := &Store{
		posts:     posts,
		owners:    owners,
		images:    images,
		sanitizer: sanitizer,
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckFields はタイトルと本文を検証し、違反したフィールドをすべて返す。
// 文字数はタグを除いたテキストで数える。
func (s *Store) CheckFields(in Input) []model.FieldError {
	var fields []model.FieldError

	switch n := utf8.RuneCountInString(s.sanitizer.StripTags(in.Title)); {
	case n < s.config.TitleMinLength:
		fields = append(fields, model.FieldError{
			Field:   "title",
			Message: fmt.Sprintf("Title must be at least %d characters long.", s.config.TitleMinLength),
		})
	case n > maxTitleLength:
		fields = append(fields, model.FieldError{
			Field:   "title",
			Message: fmt.Sprintf("Title must be at most %d characters long.", maxTitleLength),
		})
	}
	if utf8.RuneCountInString(s.sanitizer.StripTags(in.Content)) < s.config.ContentMinLength {
		fields = append(fields, model.FieldError{
			Field:   "content",
			Message: fmt.Sprintf("Content must be at least %d characters long.", s.config.ContentMinLength),
		})
	}
	return fields
}

// ValidateInput は画像パスを含む入力全体を検証する。
// 違反がある場合はすべてのフィールドを含むValidationErrorを返す。
func (s *Store) ValidateInput(in Input) error {
	fields := s.CheckFields(in)
	if strings.TrimSpace(in.ImagePath) == "" {
		fields = append(fields, model.FieldError{Field: "image", Message: "No image provided."})
	}
	if len(fields) > 0 {
		return model.NewValidationError(fields)
	}
	return nil
}

// Create は投稿を作成し、作成者のオーナーセットに追加する。
// 戻り値の投稿には作成者サマリーが含まれる。
func (s *Store) Create(ctx context.Context, ownerID string, in Input) (*model.Post, error) {
	if err := s.ValidateInput(in); err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Post{
		ID:        uuid.NewString(),
		Title:     s.sanitizer.StripTags(in.Title),
		Content:   s.sanitizer.SanitizeContent(in.Content),
		ImageURL:  in.ImagePath,
		CreatorID: ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.posts.CreateWithOwner(ctx, p); err != nil {
		return nil, model.NewStorageError(fmt.Errorf("create post: %w", err))
	}

	created, err := s.posts.FindByID(ctx, p.ID)
	if err != nil {
		return nil, model.NewStorageError(fmt.Errorf("reload post: %w", err))
	}
	if created == nil {
		// 直後に別リクエストで削除された
		return nil, model.NewPostNotFoundError(p.ID)
	}

	slog.Info("post created",
		slog.String("post_id", created.ID),
		slog.String("user_id", ownerID),
	)
	return created, nil
}

// Get は指定IDの投稿を返す。
// UUIDとして解釈できないIDは存在しない投稿として扱う。
func (s *Store) Get(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewPostNotFoundError(id)
	}
	p, err := s.posts.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStorageError(fmt.Errorf("find post: %w", err))
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	return p, nil
}

// List は新しい順に並べた投稿の1ページと総件数を返す。
// pageは1始まり。pageSizeが0以下ならデフォルト値、上限を超える場合は上限値を使う。
// 総件数と一覧は独立した読み取りで、間に書き込みが入るとずれることがある。
func (s *Store) List(ctx context.Context, page, pageSize int) (*ListResult, error) {
	if page < 1 {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "page", Message: "Page must be 1 or greater."},
		})
	}
	switch {
	case pageSize <= 0:
		pageSize = s.config.DefaultPageSize
	case pageSize > s.config.MaxPageSize:
		pageSize = s.config.MaxPageSize
	}

	total, err := s.posts.Count(ctx)
	if err != nil {
		return nil, model.NewStorageError(fmt.Errorf("count posts: %w", err))
	}

	result := &ListResult{
		Posts:      []*model.Post{},
		TotalItems: total,
		Page:       page,
		PageSize:   pageSize,
	}
	// 最終ページより後ろは問い合わせずに空ページを返す。オフセットのオーバーフローもここで防ぐ
	if page-1 > (math.MaxInt-1)/pageSize || (page-1)*pageSize >= total {
		return result, nil
	}

	posts, err := s.posts.List(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, model.NewStorageError(fmt.Errorf("list posts: %w", err))
	}
	result.Posts = posts
	return result, nil
}

// Update は投稿を更新する。
// 存在確認、所有者確認、入力検証の順に行い、画像が差し替えられた場合は
// レコードの更新が成功した後で古い画像を解放する。
func (s *Store) Update(ctx context.Context, id, requesterID string, in Input) (*model.Post, error) {
	current, err := s.authorize(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateInput(in); err != nil {
		return nil, err
	}

	updated := *current
	updated.Title = s.sanitizer.StripTags(in.Title)
	updated.Content = s.sanitizer.SanitizeContent(in.Content)
	updated.ImageURL = in.ImagePath
	updated.UpdatedAt = s.now()

	if err := s.posts.Update(ctx, &updated); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewPostNotFoundError(id)
		}
		return nil, model.NewStorageError(fmt.Errorf("update post: %w", err))
	}

	if current.ImageURL != updated.ImageURL {
		s.images.Release(current.ImageURL)
	}

	slog.Info("post updated",
		slog.String("post_id", id),
		slog.String("user_id", requesterID),
	)
	return &updated, nil
}

// Delete は投稿を削除する。
// レコード削除、画像解放、オーナーセットからの除去の順に行う。
// オーナーセットからの除去に失敗しても削除は成功として扱い、
// 残ったエントリは読み取り側で無視されメンテナンスで掃除される。
func (s *Store) Delete(ctx context.Context, id, requesterID string) (*model.Post, error) {
	current, err := s.authorize(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	if err := s.posts.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewPostNotFoundError(id)
		}
		return nil, model.NewStorageError(fmt.Errorf("delete post: %w", err))
	}

	s.images.Release(current.ImageURL)

	if err := s.owners.RemovePost(ctx, current.CreatorID, id); err != nil {
		slog.Error("post deletion incomplete",
			slog.String("post_id", id),
			slog.String("user_id", current.CreatorID),
			slog.String("error", err.Error()),
		)
		if s.recorder != nil {
			s.recorder.RecordPostDeletionIncomplete()
		}
	}

	slog.Info("post deleted",
		slog.String("post_id", id),
		slog.String("user_id", requesterID),
	)
	return current, nil
}

// ListByOwner はユーザーのオーナーセットの順で投稿を返す。削除済みの投稿は含まない。
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*model.Post, error) {
	posts, err := s.posts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, model.NewStorageError(fmt.Errorf("list owner posts: %w", err))
	}
	return posts, nil
}

// IsImageReferenced は指定パスの画像を参照する投稿があるかを返す。
func (s *Store) IsImageReferenced(ctx context.Context, path string) (bool, error) {
	ok, err := s.posts.ExistsByImagePath(ctx, path)
	if err != nil {
		return false, model.NewStorageError(fmt.Errorf("check image reference: %w", err))
	}
	return ok, nil
}

// authorize は投稿を取得し、requesterIDが作成者であることを確認する。
func (s *Store) authorize(ctx context.Context, id, requesterID string) (*model.Post, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CreatorID != requesterID {
		return nil, model.NewAuthorizationError(id)
	}
	return current, nil
}
