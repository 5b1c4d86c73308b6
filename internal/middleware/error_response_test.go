package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/livefeed/internal/model"
)

// TestWriteErrorResponse_Catalogue はエラーカタログの各種別がそのまま統一フォーマットで出力されることを検証する。
func TestWriteErrorResponse_Catalogue(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		err           *model.APIError
		retryAfter    string
		wantCode      string
		wantCategory  string
		wantFields    []string
		wantRetryable bool
	}{
		{
			name:   "validation lists every field in order",
			status: http.StatusUnprocessableEntity,
			err: model.NewValidationError([]model.FieldError{
				{Field: "title", Message: "too short"},
				{Field: "image", Message: "missing"},
			}),
			wantCode:     model.ErrCodeValidationFailed,
			wantCategory: "validation",
			wantFields:   []string{"title", "image"},
		},
		{
			name:         "authentication",
			status:       http.StatusUnauthorized,
			err:          model.NewAuthenticationError(),
			wantCode:     model.ErrCodeAuthenticationRequired,
			wantCategory: "auth",
		},
		{
			name:         "authorization",
			status:       http.StatusForbidden,
			err:          model.NewAuthorizationError("post-1"),
			wantCode:     model.ErrCodeNotPostOwner,
			wantCategory: "auth",
		},
		{
			name:         "not found",
			status:       http.StatusNotFound,
			err:          model.NewPostNotFoundError("post-1"),
			wantCode:     model.ErrCodePostNotFound,
			wantCategory: "post",
		},
		{
			name:         "conflict keeps the email field",
			status:       http.StatusConflict,
			err:          model.NewEmailTakenError(),
			wantCode:     model.ErrCodeEmailTaken,
			wantCategory: "validation",
			wantFields:   []string{"email"},
		},
		{
			name:          "rate limited keeps caller's Retry-After",
			status:        http.StatusTooManyRequests,
			err:           model.NewRateLimitedError(),
			retryAfter:    "3",
			wantCode:      model.ErrCodeRateLimited,
			wantCategory:  "system",
			wantRetryable: true,
		},
		{
			name:          "storage timeout",
			status:        http.StatusServiceUnavailable,
			err:           model.NewStorageError(context.DeadlineExceeded),
			retryAfter:    "5",
			wantCode:      model.ErrCodeStorageTimeout,
			wantCategory:  "system",
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}

			WriteErrorResponse(w, tt.status, tt.err)

			resp := w.Result()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.wantCode || body.Category != tt.wantCategory {
				t.Errorf("code/category = %s/%s, want %s/%s", body.Code, body.Category, tt.wantCode, tt.wantCategory)
			}
			if body.Message == "" || body.Action == "" {
				t.Errorf("message and action must be set: %+v", body)
			}
			if body.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.wantRetryable)
			}
			if len(body.Fields) != len(tt.wantFields) {
				t.Fatalf("fields = %+v, want %v", body.Fields, tt.wantFields)
			}
			for i, f := range tt.wantFields {
				if body.Fields[i].Field != f {
					t.Errorf("fields[%d] = %q, want %q", i, body.Fields[i].Field, f)
				}
			}
		})
	}
}

// TestWriteErrorResponse_OmitsEmptyOptionalFields は任意項目が空のときJSONに現れないことを検証する。
func TestWriteErrorResponse_OmitsEmptyOptionalFields(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError("post-1"))

	var raw map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, key := range []string{"fields", "retryable"} {
		if _, ok := raw[key]; ok {
			t.Errorf("%q should be omitted, got %v", key, raw[key])
		}
	}
}

// TestWriteErrorResponse_DoesNotLeakCause は原因エラーの内容がレスポンスに含まれないことを検証する。
func TestWriteErrorResponse_DoesNotLeakCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusInternalServerError,
		model.NewStorageError(errors.New("pq: password authentication failed for user livefeed")))

	body := w.Body.String()
	for _, secret := range []string{"pq:", "password authentication"} {
		if strings.Contains(body, secret) {
			t.Errorf("response leaks cause %q: %s", secret, body)
		}
	}
}

func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if w.Code != http.StatusInternalServerError || body.Code != "INTERNAL_ERROR" || body.Category != "system" {
		t.Errorf("got %d %+v", w.Code, body)
	}
}
