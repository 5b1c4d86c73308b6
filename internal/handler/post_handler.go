package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/feed"
	"github.com/hitoshi/livefeed/internal/middleware"
	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/post"
)

// defaultMaxUploadSize はmultipartリクエストの既定上限（5MiB）。
const defaultMaxUploadSize int64 = 5 << 20

// FeedServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	CreatePost(ctx context.Context, identity auth.Identity, in feed.CreateInput) (*model.Post, error)
	ListPosts(ctx context.Context, identity auth.Identity, page, pageSize int) (*post.ListResult, error)
	GetPost(ctx context.Context, identity auth.Identity, id string) (*model.Post, error)
	UpdatePost(ctx context.Context, identity auth.Identity, id string, in feed.UpdateInput) (*model.Post, error)
	DeletePost(ctx context.Context, identity auth.Identity, id string) (*model.Post, error)
	UploadImage(ctx context.Context, identity auth.Identity, upload *feed.Upload, oldPath string) (string, error)
}

// PostHandler は投稿のHTTPハンドラー。
type PostHandler struct {
	service       FeedServiceInterface
	maxUploadSize int64
}

// NewPostHandler はPostHandlerを生成する。maxUploadSizeが0以下の場合は既定値を使う。
func NewPostHandler(service FeedServiceInterface, maxUploadSize int64) *PostHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadSize
	}
	return &PostHandler{
		service:       service,
		maxUploadSize: maxUploadSize,
	}
}

type listPostsResponse struct {
	Posts      []postResponse `json:"posts"`
	TotalItems int            `json:"total_items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

type deletePostResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type uploadImageResponse struct {
	Message  string `json:"message"`
	FilePath string `json:"file_path,omitempty"`
}

// ListPosts は投稿一覧を新しい順に返す。
// GET /feed/posts?page=1&page_size=2
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	page, ok := parseQueryInt(w, r, "page", 1)
	if !ok {
		return
	}
	pageSize, ok := parseQueryInt(w, r, "page_size", 0)
	if !ok {
		return
	}

	result, err := h.service.ListPosts(r.Context(), middleware.IdentityFromContext(r.Context()), page, pageSize)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listPostsResponse{
		Posts:      toPostResponses(result.Posts),
		TotalItems: result.TotalItems,
		Page:       result.Page,
		PageSize:   result.PageSize,
	})
}

// CreatePost はmultipartフォーム（title, content, image）から投稿を作成する。
// POST /feed/post
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readMultipart(w, r)
	if !ok {
		return
	}

	created, err := h.service.CreatePost(r.Context(), middleware.IdentityFromContext(r.Context()), feed.CreateInput{
		Title:   r.FormValue("title"),
		Content: r.FormValue("content"),
		Image:   upload,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(created))
}

// GetPost は投稿を1件返す。
// GET /feed/post/{postID}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPost(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "postID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(p))
}

// UpdatePost は投稿を更新する。imageが無い場合はimage_urlの既存パスを使う。
// PUT /feed/post/{postID}
func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readMultipart(w, r)
	if !ok {
		return
	}

	updated, err := h.service.UpdatePost(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "postID"), feed.UpdateInput{
		Title:     r.FormValue("title"),
		Content:   r.FormValue("content"),
		Image:     upload,
		ImagePath: r.FormValue("image_url"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(updated))
}

// DeletePost は投稿を削除する。
// DELETE /feed/post/{postID}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.DeletePost(r.Context(), middleware.IdentityFromContext(r.Context()), chi.URLParam(r, "postID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deletePostResponse{ID: deleted.ID, Deleted: true})
}

// UploadImage は投稿に紐付ける前の画像を保存する。
// PUT /post-image
func (h *PostHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readMultipart(w, r)
	if !ok {
		return
	}

	path, err := h.service.UploadImage(r.Context(), middleware.IdentityFromContext(r.Context()), upload, r.FormValue("old_path"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if path == "" {
		writeJSON(w, http.StatusOK, uploadImageResponse{Message: "No file provided!"})
		return
	}
	writeJSON(w, http.StatusCreated, uploadImageResponse{Message: "File stored.", FilePath: path})
}

// readMultipart はmultipartフォームを解析し、imageフィールドのファイルを返す。
// ファイルが無い場合は(nil, true)を返す。失敗時はレスポンスを書き込んでfalseを返す。
func (h *PostHandler) readMultipart(w http.ResponseWriter, r *http.Request) (*feed.Upload, bool) {
	if r.ContentLength > h.maxUploadSize {
		writePayloadTooLarge(w)
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writePayloadTooLarge(w)
			return nil, false
		}
		writeInvalidRequest(w, "multipart/form-dataの解析に失敗しました。")
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, true
	}
	if err != nil {
		writeInvalidRequest(w, "画像ファイルの読み込みに失敗しました。")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeInvalidRequest(w, "画像ファイルの読み込みに失敗しました。")
		return nil, false
	}

	return &feed.Upload{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Filename: header.Filename,
	}, true
}

func writePayloadTooLarge(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, &model.APIError{
		Kind:     model.KindValidation,
		Code:     "PAYLOAD_TOO_LARGE",
		Message:  "アップロードサイズが上限を超えています。",
		Category: "validation",
		Action:   "より小さいファイルを選択してください。",
	})
}

// parseQueryInt はクエリパラメータを整数として読む。未指定の場合はdefaultValを返す。
// 整数でない場合は422を書き込んでfalseを返す。
func parseQueryInt(w http.ResponseWriter, r *http.Request, name string, defaultVal int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return defaultVal, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationError([]model.FieldError{
			{Field: name, Message: "整数を指定してください。"},
		}))
		return 0, false
	}
	return v, true
}
