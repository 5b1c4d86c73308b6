// Package hub は投稿の変更通知を接続中のクライアントへ配信する。
//
// Hubはプロセス内で完結し、通知の永続化や再送は行わない。
// 購読者は購読開始より後に発行された通知だけを受け取る。
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hitoshi/livefeed/internal/model"
)

var (
	// ErrClosed はClose後のHubに対する操作で返される。
	ErrClosed = errors.New("hub is closed")
	// ErrQueueFull は配信キューが溢れて通知を破棄した場合に返される。
	ErrQueueFull = errors.New("hub queue is full")
)

// Event は1件の変更通知。SeqはPublish時点で採番され、発行順に単調増加する。
type Event struct {
	Seq  uint64
	Kind model.PostEventKind
	Post *model.Post
}

// Recorder は配信状況を記録する。
type Recorder interface {
	RecordBroadcastDelivered()
	RecordBroadcastDropped()
	SetConnectedClients(n int)
}

// Config はHubのキューとバッファのサイズ。
type Config struct {
	QueueSize    int
	ClientBuffer int
}

// DefaultConfig はデフォルトのHub設定を返す。
func DefaultConfig() Config {
	return Config{QueueSize: 256, ClientBuffer: 64}
}

// Option はHubの設定オプション。
type Option func(*Hub)

// WithRecorder は配信状況の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		h.recorder = r
	}
}

type client struct {
	ch       chan Event
	joinedAt uint64
}

// Hub は単一のディスパッチャーgoroutineで通知を配信する。
// クライアント一覧はRWMutexで保護し、送信は読み取りロック下で非ブロッキングに行う。
// 購読解除とCloseは書き込みロックを取るため、送信中のチャネルが閉じられることはない。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	pubMu sync.Mutex
	seq   atomic.Uint64
	queue chan Event

	buffer    int
	done      chan struct{}
	closeOnce sync.Once
	recorder  Recorder
}

// New は新しいHubを生成する。配信を始めるにはRunを起動する。
func New(cfg Config, opts ...Option) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	h := &Hub{
		clients: make(map[string]*client),
		queue:   make(chan Event, cfg.QueueSize),
		buffer:  cfg.ClientBuffer,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run はキューから通知を取り出して配信する。ctxの終了かCloseで戻る。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-h.queue:
			h.dispatch(ev)
		}
	}
}

// Publish は通知をキューに積む。ブロックせず、キューが満杯なら破棄してErrQueueFullを返す。
func (h *Hub) Publish(kind model.PostEventKind, post *model.Post) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	// 採番とキュー投入を同じロック下で行い、Seqの順序と配信順序を一致させる
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	ev := Event{Seq: h.seq.Add(1), Kind: kind, Post: post}
	select {
	case h.queue <- ev:
		return nil
	default:
		slog.Warn("broadcast queue full, event dropped",
			slog.String("action", string(kind)),
			slog.Uint64("seq", ev.Seq),
		)
		if h.recorder != nil {
			h.recorder.RecordBroadcastDropped()
		}
		return ErrQueueFull
	}
}

// Subscribe はクライアントを登録し、通知を受け取るチャネルとクライアントIDを返す。
// ctxが終了すると自動的に購読解除され、チャネルは閉じられる。
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, string, error) {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return nil, "", ErrClosed
	default:
	}

	id := uuid.NewString()
	c := &client{
		ch:       make(chan Event, h.buffer),
		joinedAt: h.seq.Load(),
	}
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.setConnected(n)
	slog.Debug("client subscribed", slog.String("client_id", id), slog.Int("subscribers", n))

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(id)
		case <-h.done:
		}
	}()

	return c.ch, id, nil
}

// Unsubscribe はクライアントの登録を解除してチャネルを閉じる。未登録のIDは無視する。
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.ch)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.setConnected(n)
		slog.Debug("client unsubscribed", slog.String("client_id", id), slog.Int("subscribers", n))
	}
}

// ClientCount は接続中のクライアント数を返す。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全クライアントのチャネルを閉じ、以降のPublishとSubscribeを拒否する。
// 複数回呼んでも安全。
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		close(h.done)
		for id, c := range h.clients {
			close(c.ch)
			delete(h.clients, id)
		}
		h.mu.Unlock()

		h.setConnected(0)
		slog.Info("notification hub closed")
	})
}

func (h *Hub) dispatch(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if ev.Seq <= c.joinedAt {
			continue
		}
		select {
		case c.ch <- ev:
			if h.recorder != nil {
				h.recorder.RecordBroadcastDelivered()
			}
		default:
			slog.Warn("client buffer full, event dropped",
				slog.String("client_id", id),
				slog.Uint64("seq", ev.Seq),
			)
			if h.recorder != nil {
				h.recorder.RecordBroadcastDropped()
			}
		}
	}
}

func (h *Hub) setConnected(n int) {
	if h.recorder != nil {
		h.recorder.SetConnectedClients(n)
	}
}
