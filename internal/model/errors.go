// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrorKind はAPIErrorの種別を表す。種別は閉じた集合として扱う。
type ErrorKind string

const (
	// KindValidation は入力値の不備。クライアント側で修正可能。
	KindValidation ErrorKind = "validation"
	// KindAuthentication はトークンの欠落・不正・期限切れ。
	KindAuthentication ErrorKind = "authentication"
	// KindAuthorization は認証済みだが所有者ではない操作。
	KindAuthorization ErrorKind = "authorization"
	// KindNotFound は対象リソースが存在しない。
	KindNotFound ErrorKind = "not_found"
	// KindConflict は一意制約などの競合。
	KindConflict ErrorKind = "conflict"
	// KindRateLimited はレート制限超過。
	KindRateLimited ErrorKind = "rate_limited"
	// KindStorage は永続化層の失敗。クライアントから再試行してよい。
	KindStorage ErrorKind = "storage"
)

// FieldError はバリデーションに失敗した1フィールド分の情報。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind      ErrorKind    // エラー種別
	Code      string       // エラーコード
	Message   string       // エラーメッセージ
	Category  string       // カテゴリ: auth, validation, post, system
	Action    string       // ユーザー向け対処方法
	Fields    []FieldError // KindValidationの場合の違反フィールド一覧
	Retryable bool         // 同一リクエストの再試行で成功し得るか
	cause     error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ErrCodeInvalidCredentials     = "INVALID_CREDENTIALS"
	ErrCodeNotPostOwner           = "NOT_POST_OWNER"
	ErrCodePostNotFound           = "POST_NOT_FOUND"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeEmailTaken             = "EMAIL_TAKEN"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeStorageFailed          = "STORAGE_FAILED"
	ErrCodeStorageTimeout         = "STORAGE_TIMEOUT"
)

// NewValidationError は違反フィールドをすべて含むバリデーションエラーを生成する。
func NewValidationError(fields []FieldError) *APIError {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Field
	}
	return &APIError{
		Kind:     KindValidation,
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", strings.Join(names, ", ")),
		Category: "validation",
		Action:   "各項目の入力内容を確認してください。",
		Fields:   fields,
	}
}

// NewAuthenticationError はトークン未提示・不正・期限切れのエラーを生成する。
func NewAuthenticationError() *APIError {
	return &APIError{
		Kind:     KindAuthentication,
		Code:     ErrCodeAuthenticationRequired,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError はログイン時の資格情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Kind:     KindAuthentication,
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewAuthorizationError は投稿の所有者以外による変更操作のエラーを生成する。
func NewAuthorizationError(postID string) *APIError {
	return &APIError{
		Kind:     KindAuthorization,
		Code:     ErrCodeNotPostOwner,
		Message:  fmt.Sprintf("この投稿を変更する権限がありません: %s", postID),
		Category: "auth",
		Action:   "自分の投稿のみ編集・削除できます。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Kind:     KindNotFound,
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "別のメールアドレスを入力するか、ログインしてください。",
		Fields:   []FieldError{{Field: "email", Message: "E-Mail address already exists!"}},
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Kind:      KindRateLimited,
		Code:      ErrCodeRateLimited,
		Message:   "リクエストが多すぎます。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewStorageError は永続化層のエラーをStorageErrorに変換する。
// タイムアウト・キャンセル起因のものはSTORAGE_TIMEOUTとして区別する。
// 既にAPIErrorであればそのまま返す。
func NewStorageError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if IsTimeout(err) {
		return &APIError{
			Kind:      KindStorage,
			Code:      ErrCodeStorageTimeout,
			Message:   "ストレージの応答がタイムアウトしました。",
			Category:  "system",
			Action:    "しばらく待ってから再度お試しください。",
			Retryable: true,
			cause:     err,
		}
	}
	return &APIError{
		Kind:      KindStorage,
		Code:      ErrCodeStorageFailed,
		Message:   "データの保存または取得に失敗しました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
		cause:     err,
	}
}

// IsTimeout はerrがタイムアウト由来かどうかを判定する。
// context.DeadlineExceeded と PostgreSQL の query_canceled(57014) を対象とする。
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "57014" {
		return true
	}
	return false
}

// IsKind はerrが指定種別のAPIErrorかどうかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
