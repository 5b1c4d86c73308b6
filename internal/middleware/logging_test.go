package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/livefeed/internal/auth"
)

// accessLog はnextをロギングミドルウェアで包んでreqを処理し、出力された1行のJSONログを返す。
func accessLog(t *testing.T, next http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	NewLoggingMiddleware(logger)(next).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func respondWith(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := accessLog(t, respondWith(http.StatusOK), httptest.NewRequest(http.MethodGet, "/feed/posts?page=2", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/feed/posts" {
		t.Errorf("path = %v, want /feed/posts", entry["path"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want non-negative number", entry["duration_ms"])
	}
}

// TestLoggingMiddleware_StatusAndLevel はステータスコードとログレベルの対応を検証する。
func TestLoggingMiddleware_StatusAndLevel(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.Handler
		wantCode  float64
		wantLevel string
	}{
		{"explicit 201", respondWith(http.StatusCreated), 201, "INFO"},
		{"implicit 200 on write", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hello"))
		}), 200, "INFO"},
		{"401 warns", respondWith(http.StatusUnauthorized), 401, "WARN"},
		{"422 warns", respondWith(http.StatusUnprocessableEntity), 422, "WARN"},
		{"503 errors", respondWith(http.StatusServiceUnavailable), 503, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := accessLog(t, tt.handler, httptest.NewRequest(http.MethodPost, "/feed/post", nil))
			if entry["status"] != tt.wantCode {
				t.Errorf("status = %v, want %v", entry["status"], tt.wantCode)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

// TestLoggingMiddleware_UserID はユーザーIDの取得元ごとにアクセスログへの出力を検証する。
func TestLoggingMiddleware_UserID(t *testing.T) {
	tokens := auth.NewTokenService(testJWTSecret)
	token := issueTestToken(t, tokens, "user-456", time.Hour)

	tests := []struct {
		name    string
		prepare func(r *http.Request) *http.Request
		next    http.Handler
		want    any
	}{
		{
			name: "identity injected outside",
			prepare: func(r *http.Request) *http.Request {
				return r.WithContext(ContextWithIdentity(r.Context(), auth.NewIdentity(auth.TokenSubject{UserID: "user-123"})))
			},
			next: respondWith(http.StatusOK),
			want: "user-123",
		},
		{
			name: "resolved by inner auth gate",
			prepare: func(r *http.Request) *http.Request {
				r.Header.Set("Authorization", "Bearer "+token)
				return r
			},
			next: NewAuthMiddleware(tokens, AuthModeStrict)(respondWith(http.StatusOK)),
			want: "user-456",
		},
		{
			name:    "anonymous in permissive mode",
			prepare: func(r *http.Request) *http.Request { return r },
			next:    NewAuthMiddleware(tokens, AuthModePermissive)(respondWith(http.StatusOK)),
			want:    nil,
		},
		{
			name:    "no identity",
			prepare: func(r *http.Request) *http.Request { return r },
			next:    respondWith(http.StatusOK),
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.prepare(httptest.NewRequest(http.MethodGet, "/feed/posts", nil))
			entry := accessLog(t, tt.next, req)
			if entry["user_id"] != tt.want {
				t.Errorf("user_id = %v, want %v", entry["user_id"], tt.want)
			}
		})
	}
}

// TestLoggingMiddleware_PreservesFlusher はSSE用にFlushが下位へ委譲されることを検証する。
func TestLoggingMiddleware_PreservesFlusher(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer should implement http.Flusher")
		}
		w.Write([]byte("data: x\n\n"))
		f.Flush()
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/feed/events", nil))

	if !w.Flushed {
		t.Error("expected underlying recorder to be flushed")
	}
}
