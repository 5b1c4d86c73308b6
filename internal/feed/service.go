// Package feed は投稿操作のユースケースを提供する。
//
// 各操作は 認証 → 認可 → 入力検証 → 画像保存 → 変更 → 後処理（画像解放・通知）
// の順で進み、どの段階の失敗も*model.APIErrorとして返す。
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/post"
)

// Upload はクライアントから受け取った画像ファイル。
type Upload struct {
	Data     []byte
	MimeType string
	Filename string
}

// CreateInput は投稿作成の入力。画像は必須。
type CreateInput struct {
	Title   string
	Content string
	Image   *Upload
}

// UpdateInput は投稿更新の入力。
// Imageがnilの場合はImagePath（既存画像または事前アップロード済み画像）を使う。
type UpdateInput struct {
	Title     string
	Content   string
	Image     *Upload
	ImagePath string
}

// PostStore は投稿の永続化を担う。post.Storeが実装する。
type PostStore interface {
	CheckFields(in post.Input) []model.FieldError
	Create(ctx context.Context, ownerID string, in post.Input) (*model.Post, error)
	Get(ctx context.Context, id string) (*model.Post, error)
	List(ctx context.Context, page, pageSize int) (*post.ListResult, error)
	Update(ctx context.Context, id, requesterID string, in post.Input) (*model.Post, error)
	Delete(ctx context.Context, id, requesterID string) (*model.Post, error)
	IsImageReferenced(ctx context.Context, path string) (bool, error)
}

// ImageStore は画像アーティファクトを保存・解放する。image.LocalStoreが実装する。
type ImageStore interface {
	Store(data []byte, mimeType string) (string, error)
	Release(path string)
	Exists(path string) bool
}

// Publisher は変更通知を発行する。hub.Hubが実装する。
type Publisher interface {
	Publish(kind model.PostEventKind, p *model.Post) error
}

// MutationRecorder は投稿の変更操作を記録する。
type MutationRecorder interface {
	RecordPostMutation(action string)
}

// Service は投稿操作のパイプラインを統括する。
type Service struct {
	posts     PostStore
	images    ImageStore
	publisher Publisher
	recorder  MutationRecorder
	pending   *pendingUploads
}

// Option はServiceの設定オプション。
type Option func(*Service)

// WithMutationRecorder は変更操作の記録先を設定する。
func WithMutationRecorder(r MutationRecorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithPendingUploadTTL は未使用アップロードの所有者を覚えておく期間を設定する。
func WithPendingUploadTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pending.ttl = d
		}
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(posts PostStore, images ImageStore, publisher Publisher, opts ...Option) *Service {
	s := &Service{
		posts:     posts,
		images:    images,
		publisher: publisher,
		pending:   newPendingUploads(DefaultPendingUploadTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePost は画像を保存して投稿を作成し、作成通知を発行する。
func (s *Service) CreatePost(ctx context.Context, identity auth.Identity, in CreateInput) (*model.Post, error) {
	if err := authenticate(identity); err != nil {
		return nil, err
	}

	// 画像をディスクに書く前に検証する
	fields := s.posts.CheckFields(post.Input{Title: in.Title, Content: in.Content})
	if in.Image == nil {
		fields = append(fields, imageRequired())
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	path, err := s.storeImage(in.Image)
	if err != nil {
		return nil, err
	}

	created, err := s.posts.Create(ctx, identity.UserID, post.Input{
		Title:     in.Title,
		Content:   in.Content,
		ImagePath: path,
	})
	if err != nil {
		s.images.Release(path)
		return nil, err
	}

	s.notify(model.PostEventCreated, created)
	return created, nil
}

// ListPosts は新しい順に並べた投稿の1ページを返す。
func (s *Service) ListPosts(ctx context.Context, identity auth.Identity, page, pageSize int) (*post.ListResult, error) {
	if err := authenticate(identity); err != nil {
		return nil, err
	}
	return s.posts.List(ctx, page, pageSize)
}

// GetPost は指定IDの投稿を返す。
func (s *Service) GetPost(ctx context.Context, identity auth.Identity, id string) (*model.Post, error) {
	if err := authenticate(identity); err != nil {
		return nil, err
	}
	return s.posts.Get(ctx, id)
}

// UpdatePost は投稿を更新し、更新通知を発行する。
// 新しい画像がアップロードされた場合、古い画像は更新成功後にpost.Storeが解放する。
func (s *Service) UpdatePost(ctx context.Context, identity auth.Identity, id string, in UpdateInput) (*model.Post, error) {
	if err := authenticate(identity); err != nil {
		return nil, err
	}

	current, err := s.posts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CreatorID != identity.UserID {
		return nil, model.NewAuthorizationError(id)
	}

	fields := s.posts.CheckFields(post.Input{Title: in.Title, Content: in.Content})
	if in.Image == nil {
		if in.ImagePath == "" {
			fields = append(fields, imageRequired())
		} else if fe, err := s.checkExistingImage(ctx, current, identity.UserID, in.ImagePath); err != nil {
			return nil, err
		} else if fe != nil {
			fields = append(fields, *fe)
		}
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	path := in.ImagePath
	stored := false
	if in.Image != nil {
		if path, err = s.storeImage(in.Image); err != nil {
			return nil, err
		}
		stored = true
	}

	updated, err := s.posts.Update(ctx, id, identity.UserID, post.Input{
		Title:     in.Title,
		Content:   in.Content,
		ImagePath: path,
	})
	if err != nil {
		if stored {
			s.images.Release(path)
		}
		return nil, err
	}
	s.pending.remove(updated.ImageURL)

	s.notify(model.PostEventUpdated, updated)
	return updated, nil
}

// DeletePost は投稿を削除し、削除通知を発行する。
func (s *Service) DeletePost(ctx context.Context, identity auth.Identity, id string) (*model.Post, error) {
	if err := authenticate(identity); err != nil {
		return nil, err
	}

	deleted, err := s.posts.Delete(ctx, id, identity.UserID)
	if err != nil {
		return nil, err
	}

	s.notify(model.PostEventDeleted, deleted)
	return deleted, nil
}

// UploadImage は投稿に紐付ける前の画像を保存し、そのパスを返す。
// 画像がない、または受け付けない形式の場合は ("", nil) を返す。
// oldPathは要求者自身の未使用アップロードで、どの投稿からも参照されていない場合だけ解放する。
// 投稿が参照中の画像は、その投稿を更新したときに解放される。
func (s *Service) UploadImage(ctx context.Context, identity auth.Identity, upload *Upload, oldPath string) (string, error) {
	if err := authenticate(identity); err != nil {
		return "", err
	}
	if upload == nil {
		return "", nil
	}

	path, err := s.images.Store(upload.Data, upload.MimeType)
	if err != nil || path == "" {
		return "", err
	}

	s.pending.add(path, identity.UserID)

	if oldPath != "" && oldPath != path {
		s.releasePendingUpload(ctx, identity.UserID, oldPath)
	}

	slog.Info("image uploaded",
		slog.String("image_url", path),
		slog.String("user_id", identity.UserID),
	)
	return path, nil
}

// releasePendingUpload はuserIDの未使用アップロードを解放する。
// 他人のアップロードや投稿が参照中の画像は解放しない。
func (s *Service) releasePendingUpload(ctx context.Context, userID, path string) {
	if !s.pending.ownedBy(path, userID) {
		slog.Warn("skipped releasing upload not owned by requester",
			slog.String("image_url", path),
			slog.String("user_id", userID),
		)
		return
	}
	referenced, err := s.posts.IsImageReferenced(ctx, path)
	switch {
	case err != nil:
		slog.Warn("skipped releasing previous upload",
			slog.String("image_url", path),
			slog.String("error", err.Error()),
		)
	case !referenced:
		s.images.Release(path)
		s.pending.remove(path)
	}
}

// storeImage は画像を保存する。受け付けない形式の場合はValidationErrorを返す。
func (s *Service) storeImage(upload *Upload) (string, error) {
	path, err := s.images.Store(upload.Data, upload.MimeType)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", model.NewValidationError([]model.FieldError{
			{Field: "image", Message: "Attached file must be a PNG or JPEG image."},
		})
	}
	return path, nil
}

// checkExistingImage はアップロードなしで指定された画像パスが使えるかを確認する。
// 現在の画像か、要求者自身がアップロードしてまだどの投稿にも参照されていない画像だけを許可する。
func (s *Service) checkExistingImage(ctx context.Context, current *model.Post, requesterID, path string) (*model.FieldError, error) {
	if path == current.ImageURL {
		return nil, nil
	}
	if !s.images.Exists(path) {
		return &model.FieldError{Field: "image_url", Message: "Image does not exist."}, nil
	}
	referenced, err := s.posts.IsImageReferenced(ctx, path)
	if err != nil {
		return nil, err
	}
	if referenced {
		return &model.FieldError{Field: "image_url", Message: "Image is attached to another post."}, nil
	}
	if !s.pending.ownedBy(path, requesterID) {
		return &model.FieldError{Field: "image_url", Message: "Image was not uploaded by you."}, nil
	}
	return nil, nil
}

// notify は変更通知を発行する。通知の失敗は操作の結果に影響させない。
func (s *Service) notify(kind model.PostEventKind, p *model.Post) {
	if s.recorder != nil {
		s.recorder.RecordPostMutation(string(kind))
	}
	if err := s.publisher.Publish(kind, p); err != nil {
		slog.Warn("failed to publish post event",
			slog.String("action", string(kind)),
			slog.String("post_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func authenticate(identity auth.Identity) error {
	if identity.IsAnonymous() {
		return model.NewAuthenticationError()
	}
	return nil
}

func imageRequired() model.FieldError {
	return model.FieldError{Field: "image", Message: "No image provided."}
}
