package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/livefeed/internal/model"
)

// MemoryStore はプロセス内で完結するストア実装。
// DATABASE_URL=memory:// の開発環境と各パッケージのテストで使用する。
// ユーザー・投稿・オーナーセットは同じロックで保護される。
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	byEmail map[string]string // email -> user ID
	posts   map[string]*model.Post
	owners  map[string][]model.OwnerSetEntry // user ID -> entries（追加順）
	seq     int64
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*model.User),
		byEmail: make(map[string]string),
		posts:   make(map[string]*model.Post),
		owners:  make(map[string][]model.OwnerSetEntry),
	}
}

// Users はUserRepositoryとしてのビューを返す。
func (m *MemoryStore) Users() *MemoryUserRepo { return &MemoryUserRepo{m: m} }

// Posts はPostRepositoryとしてのビューを返す。
func (m *MemoryStore) Posts() *MemoryPostRepo { return &MemoryPostRepo{m: m} }

// OwnerSets はOwnerSetRepositoryとしてのビューを返す。
func (m *MemoryStore) OwnerSets() *MemoryOwnerSetRepo { return &MemoryOwnerSetRepo{m: m} }

// MemoryUserRepo はMemoryStore上のUserRepository実装。
type MemoryUserRepo struct{ m *MemoryStore }

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(_ context.Context, user *model.User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.byEmail[user.Email]; ok {
		return ErrDuplicateEmail
	}
	u := *user
	r.m.users[u.ID] = &u
	r.m.byEmail[u.Email] = u.ID
	return nil
}

// FindByID は指定IDのユーザーを取得する。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	u, ok := r.m.users[id]
	if !ok {
		return nil, nil
	}
	result := *u
	return &result, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (r *MemoryUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.m.mu.RLock()
	id, ok := r.m.byEmail[email]
	r.m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.FindByID(ctx, id)
}

// UpdateStatus はユーザーのステータスを更新する。
func (r *MemoryUserRepo) UpdateStatus(_ context.Context, id, status string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	u, ok := r.m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now()
	return nil
}

// MemoryPostRepo はMemoryStore上のPostRepository実装。
type MemoryPostRepo struct{ m *MemoryStore }

// CreateWithOwner は投稿とオーナーセットのエントリを作成する。
func (r *MemoryPostRepo) CreateWithOwner(_ context.Context, post *model.Post) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p := *post
	r.m.posts[p.ID] = &p
	r.m.seq++
	r.m.owners[p.CreatorID] = append(r.m.owners[p.CreatorID], model.OwnerSetEntry{
		UserID:  p.CreatorID,
		PostID:  p.ID,
		Seq:     r.m.seq,
		AddedAt: p.CreatedAt,
	})
	return nil
}

// FindByID は指定IDの投稿を作成者サマリー付きで取得する。
func (r *MemoryPostRepo) FindByID(_ context.Context, id string) (*model.Post, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	p, ok := r.m.posts[id]
	if !ok {
		return nil, nil
	}
	return r.withCreator(p), nil
}

// List はcreated_at降順（同時刻はid降順）で投稿を取得する。
// PostgreSQLと同様に負のoffsetやlimitはエラーになる。
func (r *MemoryPostRepo) List(_ context.Context, offset, limit int) ([]*model.Post, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("invalid page window: offset=%d limit=%d", offset, limit)
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	all := make([]*model.Post, 0, len(r.m.posts))
	for _, p := range r.m.posts {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	posts := make([]*model.Post, 0)
	if offset >= len(all) {
		return posts, nil
	}
	end := offset + limit
	if end > len(all) || end < offset {
		end = len(all)
	}
	for _, p := range all[offset:end] {
		posts = append(posts, r.withCreator(p))
	}
	return posts, nil
}

// Count は投稿の総数を返す。
func (r *MemoryPostRepo) Count(_ context.Context) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return len(r.m.posts), nil
}

// Update は投稿のtitle、content、image_urlを上書きする。
func (r *MemoryPostRepo) Update(_ context.Context, post *model.Post) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.posts[post.ID]
	if !ok {
		return ErrNotFound
	}
	p.Title = post.Title
	p.Content = post.Content
	p.ImageURL = post.ImageURL
	p.UpdatedAt = post.UpdatedAt
	return nil
}

// Delete は投稿レコードを削除する。オーナーセットは変更しない。
func (r *MemoryPostRepo) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.posts[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.posts, id)
	return nil
}

// ListByOwner はオーナーセットの追加順に投稿を返す。
func (r *MemoryPostRepo) ListByOwner(_ context.Context, ownerID string) ([]*model.Post, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	posts := make([]*model.Post, 0)
	for _, e := range r.m.owners[ownerID] {
		p, ok := r.m.posts[e.PostID]
		if !ok {
			continue
		}
		posts = append(posts, r.withCreator(p))
	}
	return posts, nil
}

// ExistsByImagePath は指定パスを参照する投稿が存在するかを返す。
func (r *MemoryPostRepo) ExistsByImagePath(_ context.Context, path string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	for _, p := range r.m.posts {
		if p.ImageURL == path {
			return true, nil
		}
	}
	return false, nil
}

// withCreator はロック保持中に呼び出し、作成者名を埋めたコピーを返す。
func (r *MemoryPostRepo) withCreator(p *model.Post) *model.Post {
	result := *p
	result.Creator = model.Creator{ID: p.CreatorID}
	if u, ok := r.m.users[p.CreatorID]; ok {
		result.Creator.Name = u.Name
	}
	return &result
}

// MemoryOwnerSetRepo はMemoryStore上のOwnerSetRepository実装。
type MemoryOwnerSetRepo struct{ m *MemoryStore }

// RemovePost はオーナーセットから投稿を取り除く。
func (r *MemoryOwnerSetRepo) RemovePost(_ context.Context, userID, postID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	entries := r.m.owners[userID]
	kept := entries[:0]
	for _, e := range entries {
		if e.PostID != postID {
			kept = append(kept, e)
		}
	}
	r.m.owners[userID] = kept
	return nil
}

// PruneStale は投稿が存在しないエントリを削除する。
func (r *MemoryOwnerSetRepo) PruneStale(_ context.Context) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var pruned int64
	for userID, entries := range r.m.owners {
		kept := entries[:0]
		for _, e := range entries {
			if _, ok := r.m.posts[e.PostID]; ok {
				kept = append(kept, e)
			} else {
				pruned++
			}
		}
		r.m.owners[userID] = kept
	}
	return pruned, nil
}

// Entries はユーザーのオーナーセットを投稿の存否に関係なく返す。
func (r *MemoryOwnerSetRepo) Entries(userID string) []model.OwnerSetEntry {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	out := make([]model.OwnerSetEntry, len(r.m.owners[userID]))
	copy(out, r.m.owners[userID])
	return out
}

// compile-time interface check
var (
	_ UserRepository     = (*MemoryUserRepo)(nil)
	_ PostRepository     = (*MemoryPostRepo)(nil)
	_ OwnerSetRepository = (*MemoryOwnerSetRepo)(nil)
)
