package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/middleware"
	"github.com/hitoshi/livefeed/internal/model"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), []byte("\x00\x00\x00\rIHDR fake png body")...)

// withIdentity はリクエストのコンテキストに認証済みIDを注入する。
func withIdentity(req *http.Request, userID string) *http.Request {
	identity := auth.NewIdentity(auth.TokenSubject{UserID: userID, Email: userID + "@example.com"})
	return req.WithContext(middleware.ContextWithIdentity(req.Context(), identity))
}

// withChiURLParam はchiのURLパラメータをリクエストに設定する。
func withChiURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// multipartImage はmultipartリクエストに含める画像パート。
type multipartImage struct {
	data     []byte
	mimeType string
}

// newMultipartRequest はフォームフィールドと任意の画像を含むmultipartリクエストを生成する。
func newMultipartRequest(t *testing.T, method, target string, fields map[string]string, img *multipartImage) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if img != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="upload.png"`)
		h.Set("Content-Type", img.mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := part.Write(img.data); err != nil {
			t.Fatalf("write image part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// decodeJSON はレスポンスボディをvにデコードする。
func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// decodeError はエラーレスポンスボディをデコードする。
func decodeError(t *testing.T, r io.Reader) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeJSON(t, r, &body)
	return body
}

func samplePost(id, ownerID string) *model.Post {
	return &model.Post{
		ID:        id,
		Title:     "First post",
		Content:   "<p>Hello world</p>",
		ImageURL:  "images/1700000000000-abc.png",
		CreatorID: ownerID,
		Creator:   model.Creator{ID: ownerID, Name: "Max"},
	}
}
