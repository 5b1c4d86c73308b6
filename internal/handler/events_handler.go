package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/livefeed/internal/hub"
	"github.com/hitoshi/livefeed/internal/model"
)

// defaultHeartbeat はSSE接続のキープアライブ間隔の既定値。
const defaultHeartbeat = 25 * time.Second

// EventSource は投稿の変更通知を購読する。hub.Hubが実装する。
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan hub.Event, string, error)
	Unsubscribe(id string)
}

// EventsHandler は投稿の変更通知をServer-Sent Eventsで配信する。
type EventsHandler struct {
	source    EventSource
	heartbeat time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(source EventSource, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &EventsHandler{source: source, heartbeat: heartbeat}
}

type deletedPost struct {
	ID string `json:"id"`
}

type postEventPayload struct {
	Action model.PostEventKind `json:"action"`
	Post   any                 `json:"post"`
}

// Stream は接続以降に発行された通知を発行順に送り続ける。
// GET /feed/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	events, clientID, err := h.source.Subscribe(r.Context())
	if err != nil {
		slog.Warn("event subscription rejected", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Kind:      model.KindStorage,
			Code:      "STREAM_UNAVAILABLE",
			Message:   "通知ストリームを開始できません。",
			Category:  "system",
			Action:    "しばらく時間をおいてから再度お試しください。",
			Retryable: true,
		})
		return
	}
	defer h.source.Unsubscribe(clientID)

	rc := http.NewResponseController(w)
	// サーバー全体のWriteTimeoutはストリームに適用しない
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not supported", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("event write failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent は1件の通知をSSEフレームとして書き込む。削除通知はIDのみを含む。
func writeEvent(w http.ResponseWriter, ev hub.Event) error {
	payload := postEventPayload{Action: ev.Kind}
	if ev.Kind == model.PostEventDeleted {
		payload.Post = deletedPost{ID: ev.Post.ID}
	} else {
		payload.Post = toPostResponse(ev.Post)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: posts\ndata: %s\n\n", ev.Seq, data)
	return err
}
