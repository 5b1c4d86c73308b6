// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/livefeed/internal/model"
)

// ErrNotFound は更新・削除対象のレコードが存在しないことを表す。
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEmail はメールアドレスのユニーク制約違反を表す。
var ErrDuplicateEmail = errors.New("email already exists")

// UserRepository はユーザーデータ（資格情報ストア）の永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// UpdateStatus はユーザーのステータスを更新する。
	UpdateStatus(ctx context.Context, id, status string) error
}

// PostRepository は投稿データの永続化インターフェース。
// 取得系は常にusersをJOINして作成者サマリーを埋める。
type PostRepository interface {
	// CreateWithOwner は投稿の作成とオーナーセットへの追加を同一トランザクションで行う。
	CreateWithOwner(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// List はcreated_at降順（同時刻はid降順）で投稿を取得する。
	List(ctx context.Context, offset, limit int) ([]*model.Post, error)

	// Count は投稿の総数を返す。
	Count(ctx context.Context) (int, error)

	// Update はtitle、content、image_urlを上書きする。対象がない場合はErrNotFoundを返す。
	Update(ctx context.Context, post *model.Post) error

	// Delete は投稿レコードを削除する。対象がない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error

	// ListByOwner はオーナーセットの追加順に投稿を返す。投稿が存在しないエントリは含めない。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Post, error)

	// ExistsByImagePath は指定パスを参照する投稿が存在するかを返す。
	ExistsByImagePath(ctx context.Context, path string) (bool, error)
}

// OwnerSetRepository はユーザーのオーナーセット（user_posts）の永続化インターフェース。
type OwnerSetRepository interface {
	// RemovePost はオーナーセットから投稿を取り除く。エントリがなくてもエラーにしない。
	RemovePost(ctx context.Context, userID, postID string) error

	// PruneStale は投稿が存在しないエントリを削除し、削除件数を返す。
	PruneStale(ctx context.Context) (int64, error)
}
