package feed

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/image"
	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/post"
	"github.com/hitoshi/livefeed/internal/repository"
	"github.com/hitoshi/livefeed/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\rIHDR fake png body")...)

// --- モック定義 ---

type publishedEvent struct {
	kind model.PostEventKind
	post *model.Post
}

// mockPublisher は発行された通知を記録する。
type mockPublisher struct {
	mu        sync.Mutex
	events    []publishedEvent
	publishFn func(kind model.PostEventKind, p *model.Post) error
}

func (m *mockPublisher) Publish(kind model.PostEventKind, p *model.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{kind: kind, post: p})
	if m.publishFn != nil {
		return m.publishFn(kind, p)
	}
	return nil
}

// faultyPosts はPostStoreの一部の操作に失敗を注入する。
type faultyPosts struct {
	PostStore
	createErr error
	updateErr error
}

func (f *faultyPosts) Create(ctx context.Context, ownerID string, in post.Input) (*model.Post, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.PostStore.Create(ctx, ownerID, in)
}

func (f *faultyPosts) Update(ctx context.Context, id, requesterID string, in post.Input) (*model.Post, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.PostStore.Update(ctx, id, requesterID, in)
}

type countingMutations struct {
	actions []string
}

func (c *countingMutations) RecordPostMutation(action string) {
	c.actions = append(c.actions, action)
}

// --- テストフィクスチャ ---

type fixture struct {
	mem       *repository.MemoryStore
	images    *image.LocalStore
	posts     *faultyPosts
	publisher *mockPublisher
	mutations *countingMutations
	svc       *Service
}

var (
	alice = auth.NewIdentity(auth.TokenSubject{UserID: "user-a", Email: "a@example.com"})
	bob   = auth.NewIdentity(auth.TokenSubject{UserID: "user-b", Email: "b@example.com"})
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := repository.NewMemoryStore()
	for _, u := range []*model.User{
		{ID: "user-a", Email: "a@example.com", Name: "Alice"},
		{ID: "user-b", Email: "b@example.com", Name: "Bobby"},
	} {
		require.NoError(t, mem.Users().Create(context.Background(), u))
	}

	images, err := image.NewLocalStore(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	store := post.NewStore(mem.Posts(), mem.OwnerSets(), images, security.NewContentSanitizer(), post.DefaultConfig())
	f := &fixture{
		mem:       mem,
		images:    images,
		posts:     &faultyPosts{PostStore: store},
		publisher: &mockPublisher{},
		mutations: &countingMutations{},
	}
	f.svc = NewService(f.posts, images, f.publisher, WithMutationRecorder(f.mutations))
	return f
}

func pngUpload() *Upload {
	return &Upload{Data: pngData, MimeType: "image/png", Filename: "photo.png"}
}

func (f *fixture) artifactCount(t *testing.T) int {
	t.Helper()
	artifacts, err := f.images.List()
	require.NoError(t, err)
	return len(artifacts)
}

func (f *fixture) createPost(t *testing.T, identity auth.Identity) *model.Post {
	t.Helper()
	p, err := f.svc.CreatePost(context.Background(), identity, CreateInput{
		Title: "First post", Content: "Hello world", Image: pngUpload(),
	})
	require.NoError(t, err)
	return p
}

func fieldNames(t *testing.T, err error) []string {
	t.Helper()
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.KindValidation, apiErr.Kind)
	names := make([]string, 0, len(apiErr.Fields))
	for _, fe := range apiErr.Fields {
		names = append(names, fe.Field)
	}
	return names
}

// --- CreatePost ---

func TestCreatePost_StoresImageAndPublishes(t *testing.T) {
	f := newFixture(t)

	p := f.createPost(t, alice)

	assert.Equal(t, "Alice", p.Creator.Name)
	assert.True(t, f.images.Exists(p.ImageURL))
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, model.PostEventCreated, f.publisher.events[0].kind)
	assert.Equal(t, p.ID, f.publisher.events[0].post.ID)
	assert.Equal(t, []string{"created"}, f.mutations.actions)
}

func TestCreatePost_AnonymousIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePost(context.Background(), auth.Anonymous, CreateInput{
		Title: "First post", Content: "Hello world", Image: pngUpload(),
	})

	assert.True(t, model.IsKind(err, model.KindAuthentication))
	assert.Zero(t, f.artifactCount(t))
	assert.Empty(t, f.publisher.events)
}

func TestCreatePost_ValidationHappensBeforeDiskWrite(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePost(context.Background(), alice, CreateInput{
		Title: "abc", Content: "x", Image: pngUpload(),
	})

	assert.ElementsMatch(t, []string{"title", "content"}, fieldNames(t, err))
	assert.Zero(t, f.artifactCount(t))
}

func TestCreatePost_MissingImage(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePost(context.Background(), alice, CreateInput{
		Title: "abc", Content: "Hello world",
	})

	assert.ElementsMatch(t, []string{"title", "image"}, fieldNames(t, err))
}

func TestCreatePost_RejectedImageType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePost(context.Background(), alice, CreateInput{
		Title: "First post", Content: "Hello world",
		Image: &Upload{Data: []byte("GIF89a..."), MimeType: "image/gif"},
	})

	assert.Equal(t, []string{"image"}, fieldNames(t, err))
	assert.Zero(t, f.artifactCount(t))
}

func TestCreatePost_StorageFailureReleasesNewImage(t *testing.T) {
	f := newFixture(t)
	f.posts.createErr = model.NewStorageError(errors.New("connection reset"))

	_, err := f.svc.CreatePost(context.Background(), alice, CreateInput{
		Title: "First post", Content: "Hello world", Image: pngUpload(),
	})

	assert.True(t, model.IsKind(err, model.KindStorage))
	assert.Zero(t, f.artifactCount(t), "stored upload must be released")
	assert.Empty(t, f.publisher.events)
}

func TestCreatePost_PublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.publisher.publishFn = func(model.PostEventKind, *model.Post) error {
		return errors.New("hub is closed")
	}

	p := f.createPost(t, alice)

	assert.NotEmpty(t, p.ID)
}

// --- ListPosts / GetPost ---

func TestListPosts_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	f.createPost(t, alice)

	_, err := f.svc.ListPosts(context.Background(), auth.Anonymous, 1, 2)
	assert.True(t, model.IsKind(err, model.KindAuthentication))

	result, err := f.svc.ListPosts(context.Background(), bob, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalItems)
}

func TestGetPost_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetPost(context.Background(), alice, "missing")

	assert.True(t, model.IsKind(err, model.KindNotFound))
}

// --- UpdatePost ---

func TestUpdatePost_NewUploadReplacesAndReleasesOld(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	updated, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", Image: pngUpload(),
	})
	require.NoError(t, err)

	assert.NotEqual(t, p.ImageURL, updated.ImageURL)
	assert.False(t, f.images.Exists(p.ImageURL))
	assert.True(t, f.images.Exists(updated.ImageURL))
	assert.Equal(t, 1, f.artifactCount(t))
	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, model.PostEventUpdated, f.publisher.events[1].kind)
}

func TestUpdatePost_KeepCurrentImage(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	updated, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: p.ImageURL,
	})
	require.NoError(t, err)

	assert.Equal(t, p.ImageURL, updated.ImageURL)
	assert.True(t, f.images.Exists(p.ImageURL))
}

func TestUpdatePost_PreUploadedImage(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	uploaded, err := f.svc.UploadImage(context.Background(), alice, pngUpload(), "")
	require.NoError(t, err)

	updated, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: uploaded,
	})
	require.NoError(t, err)

	assert.Equal(t, uploaded, updated.ImageURL)
	assert.False(t, f.images.Exists(p.ImageURL))
}

func TestUpdatePost_CannotBorrowAnotherPostsImage(t *testing.T) {
	f := newFixture(t)
	mine := f.createPost(t, alice)
	theirs := f.createPost(t, bob)

	_, err := f.svc.UpdatePost(context.Background(), alice, mine.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: theirs.ImageURL,
	})

	assert.Equal(t, []string{"image_url"}, fieldNames(t, err))
	assert.True(t, f.images.Exists(theirs.ImageURL))
}

func TestUpdatePost_UnknownImagePath(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	_, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: "images/missing.png",
	})

	assert.Equal(t, []string{"image_url"}, fieldNames(t, err))
}

func TestUpdatePost_NonOwnerRejectedBeforeUpload(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	_, err := f.svc.UpdatePost(context.Background(), bob, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", Image: pngUpload(),
	})

	assert.True(t, model.IsKind(err, model.KindAuthorization))
	assert.Equal(t, 1, f.artifactCount(t))
}

func TestUpdatePost_MissingImageAndPath(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	_, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body",
	})

	assert.Equal(t, []string{"image"}, fieldNames(t, err))
}

func TestUpdatePost_FailureReleasesNewUploadKeepsOld(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)
	f.posts.updateErr = model.NewStorageError(context.DeadlineExceeded)

	_, err := f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", Image: pngUpload(),
	})

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeStorageTimeout, apiErr.Code)
	assert.True(t, f.images.Exists(p.ImageURL))
	assert.Equal(t, 1, f.artifactCount(t))
}

// --- DeletePost ---

func TestDeletePost_ReleasesImageAndPublishes(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	deleted, err := f.svc.DeletePost(context.Background(), alice, p.ID)
	require.NoError(t, err)

	assert.Equal(t, p.ID, deleted.ID)
	assert.Zero(t, f.artifactCount(t))
	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, model.PostEventDeleted, f.publisher.events[1].kind)
	assert.Equal(t, []string{"created", "deleted"}, f.mutations.actions)
}

func TestDeletePost_NonOwner(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	_, err := f.svc.DeletePost(context.Background(), bob, p.ID)

	assert.True(t, model.IsKind(err, model.KindAuthorization))
	assert.True(t, f.images.Exists(p.ImageURL))
	assert.Len(t, f.publisher.events, 1)
}

// --- UploadImage ---

func TestUploadImage_NoFile(t *testing.T) {
	f := newFixture(t)

	path, err := f.svc.UploadImage(context.Background(), alice, nil, "")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = f.svc.UploadImage(context.Background(), alice, &Upload{Data: []byte("text"), MimeType: "text/plain"}, "")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestUploadImage_Anonymous(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UploadImage(context.Background(), auth.Anonymous, pngUpload(), "")

	assert.True(t, model.IsKind(err, model.KindAuthentication))
}

func TestUploadImage_ReleasesOrphanedOldPath(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.UploadImage(context.Background(), alice, pngUpload(), "")
	require.NoError(t, err)

	second, err := f.svc.UploadImage(context.Background(), alice, pngUpload(), first)
	require.NoError(t, err)

	assert.False(t, f.images.Exists(first))
	assert.True(t, f.images.Exists(second))
}

func TestUploadImage_KeepsReferencedOldPath(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	path, err := f.svc.UploadImage(context.Background(), alice, pngUpload(), p.ImageURL)
	require.NoError(t, err)

	assert.NotEmpty(t, path)
	assert.True(t, f.images.Exists(p.ImageURL), "image attached to a post must survive")
}

func TestUploadImage_DoesNotReleaseAnotherUsersUpload(t *testing.T) {
	f := newFixture(t)

	bobsUpload, err := f.svc.UploadImage(context.Background(), bob, pngUpload(), "")
	require.NoError(t, err)

	_, err = f.svc.UploadImage(context.Background(), alice, pngUpload(), bobsUpload)
	require.NoError(t, err)

	assert.True(t, f.images.Exists(bobsUpload), "another user's pending upload must survive")

	// 本人は引き続き自分の投稿に使える
	p := f.createPost(t, bob)
	updated, err := f.svc.UpdatePost(context.Background(), bob, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: bobsUpload,
	})
	require.NoError(t, err)
	assert.Equal(t, bobsUpload, updated.ImageURL)
}

func TestUpdatePost_CannotUseAnotherUsersPendingUpload(t *testing.T) {
	f := newFixture(t)
	mine := f.createPost(t, alice)

	bobsUpload, err := f.svc.UploadImage(context.Background(), bob, pngUpload(), "")
	require.NoError(t, err)

	_, err = f.svc.UpdatePost(context.Background(), alice, mine.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: bobsUpload,
	})

	assert.Equal(t, []string{"image_url"}, fieldNames(t, err))
	assert.True(t, f.images.Exists(bobsUpload))
}

func TestUpdatePost_UnrecordedArtifactIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	// 記録のないアーティファクト（再起動前のアップロードなど）
	stray, err := f.images.Store(pngData, "image/png")
	require.NoError(t, err)

	_, err = f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: stray,
	})

	assert.Equal(t, []string{"image_url"}, fieldNames(t, err))
}

func TestUploadImage_AttachedUploadIsNoLongerPending(t *testing.T) {
	f := newFixture(t)
	p := f.createPost(t, alice)

	uploaded, err := f.svc.UploadImage(context.Background(), alice, pngUpload(), "")
	require.NoError(t, err)
	_, err = f.svc.UpdatePost(context.Background(), alice, p.ID, UpdateInput{
		Title: "Edited title", Content: "Edited body", ImagePath: uploaded,
	})
	require.NoError(t, err)

	assert.False(t, f.svc.pending.ownedBy(uploaded, alice.UserID))
}

func TestPendingUploads_ExpireAfterTTL(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	pending := newPendingUploads(time.Hour)
	pending.now = func() time.Time { return now }

	pending.add("images/a.png", "user-a")
	assert.True(t, pending.ownedBy("images/a.png", "user-a"))
	assert.False(t, pending.ownedBy("images/a.png", "user-b"))

	now = now.Add(2 * time.Hour)
	assert.False(t, pending.ownedBy("images/a.png", "user-a"))

	pending.add("images/b.png", "user-a")
	assert.NotContains(t, pending.entries, "images/a.png")
}
