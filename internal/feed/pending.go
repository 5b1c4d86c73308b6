package feed

import (
	"sync"
	"time"
)

// DefaultPendingUploadTTL は未使用アップロードの所有者を覚えておく期間。
// cleanupワーカーの猶予期間と揃える。
const DefaultPendingUploadTTL = time.Hour

type pendingUpload struct {
	userID     string
	uploadedAt time.Time
}

// pendingUploads は投稿に紐付く前の画像とアップロードしたユーザーの対応を保持する。
// プロセス内だけの記録で、再起動後の未使用画像は誰も解放・流用できずcleanupワーカーが回収する。
type pendingUploads struct {
	mu      sync.Mutex
	entries map[string]pendingUpload
	ttl     time.Duration
	now     func() time.Time
}

func newPendingUploads(ttl time.Duration) *pendingUploads {
	return &pendingUploads{
		entries: make(map[string]pendingUpload),
		ttl:     ttl,
		now:     time.Now,
	}
}

// add はpathをuserIDのアップロードとして記録し、期限切れの記録を捨てる。
func (p *pendingUploads) add(path, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, e := range p.entries {
		if now.Sub(e.uploadedAt) > p.ttl {
			delete(p.entries, k)
		}
	}
	p.entries[path] = pendingUpload{userID: userID, uploadedAt: now}
}

// ownedBy はpathがuserIDの未使用アップロードとして記録されているかを返す。
func (p *pendingUploads) ownedBy(path, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[path]
	if !ok || p.now().Sub(e.uploadedAt) > p.ttl {
		return false
	}
	return e.userID == userID
}

// remove はpathの記録を消す。投稿に紐付いたか解放されたときに呼ぶ。
func (p *pendingUploads) remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, path)
}
