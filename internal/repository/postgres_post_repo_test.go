package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/livefeed/internal/model"
)

var postRowColumns = []string{"id", "title", "content", "image_url", "creator_id", "name", "created_at", "updated_at"}

func TestPostgresPostRepo_CreateWithOwner_CommitsBothInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	now := time.Now()
	post := &model.Post{
		ID: "post-1", Title: "Hello", Content: "World!", ImageURL: "images/a.png",
		CreatorID: "user-1", CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO posts \(id, title, content, image_url, creator_id, created_at, updated_at\)`).
		WithArgs("post-1", "Hello", "World!", "images/a.png", "user-1", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_posts \(user_id, post_id, added_at\)`).
		WithArgs("user-1", "post-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateWithOwner(context.Background(), post))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostRepo_CreateWithOwner_OwnerSetFailure_RollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO posts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO user_posts`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.CreateWithOwner(context.Background(), &model.Post{ID: "post-1", CreatorID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append owner set")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPostRepo_FindByID_JoinsCreator(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	now := time.Now()
	mock.ExpectQuery(`FROM posts p JOIN users u ON u.id = p.creator_id`).
		WithArgs("post-1").
		WillReturnRows(sqlmock.NewRows(postRowColumns).
			AddRow("post-1", "Hello", "World!", "images/a.png", "user-1", "Alice", now, now))

	post, err := repo.FindByID(context.Background(), "post-1")
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, model.Creator{ID: "user-1", Name: "Alice"}, post.Creator)
	assert.Equal(t, "images/a.png", post.ImageURL)
}

func TestPostgresPostRepo_FindByID_NotFound_ReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectQuery(`FROM posts p JOIN users u`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(postRowColumns))

	post, err := repo.FindByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestPostgresPostRepo_List_OrdersNewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	now := time.Now()
	mock.ExpectQuery(`ORDER BY p.created_at DESC, p.id DESC`).
		WithArgs(2, 4).
		WillReturnRows(sqlmock.NewRows(postRowColumns).
			AddRow("post-3", "Third", "content", "images/c.png", "user-1", "Alice", now, now).
			AddRow("post-2", "Second", "content", "images/b.png", "user-2", "Bob", now.Add(-time.Minute), now))

	posts, err := repo.List(context.Background(), 4, 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "post-3", posts[0].ID)
	assert.Equal(t, "Bob", posts[1].Creator.Name)
}

func TestPostgresPostRepo_List_Empty_ReturnsEmptySlice(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectQuery(`ORDER BY p.created_at DESC`).
		WillReturnRows(sqlmock.NewRows(postRowColumns))

	posts, err := repo.List(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.NotNil(t, posts)
	assert.Empty(t, posts)
}

func TestPostgresPostRepo_Count(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM posts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestPostgresPostRepo_Update_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectExec(`UPDATE posts SET title = \$1, content = \$2, image_url = \$3, updated_at = \$4 WHERE id = \$5`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &model.Post{ID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresPostRepo_Delete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).
		WithArgs("post-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.Delete(context.Background(), "post-1"))
}

func TestPostgresPostRepo_ListByOwner_UsesOwnerSetOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	now := time.Now()
	mock.ExpectQuery(`FROM user_posts up`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(postRowColumns).
			AddRow("post-1", "First", "content", "images/a.png", "user-1", "Alice", now, now))

	posts, err := repo.ListByOwner(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "post-1", posts[0].ID)
}

func TestPostgresPostRepo_ExistsByImagePath(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresPostRepo(db)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM posts WHERE image_url = \$1\)`).
		WithArgs("images/a.png").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.ExistsByImagePath(context.Background(), "images/a.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPostgresOwnerSetRepo_RemovePost(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresOwnerSetRepo(db)

	mock.ExpectExec(`DELETE FROM user_posts WHERE user_id = \$1 AND post_id = \$2`).
		WithArgs("user-1", "post-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.RemovePost(context.Background(), "user-1", "post-1"))
}

func TestPostgresOwnerSetRepo_PruneStale(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresOwnerSetRepo(db)

	mock.ExpectExec(`DELETE FROM user_posts up`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PruneStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
