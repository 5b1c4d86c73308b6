// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/livefeed/internal/auth"
	"github.com/hitoshi/livefeed/internal/model"
)

// AuthMode はAuth Gateの動作モード。
type AuthMode int

const (
	// AuthModeStrict はトークンが無効な場合に401を返し、後続ハンドラを呼ばない。
	AuthModeStrict AuthMode = iota
	// AuthModePermissive は常に後続ハンドラを呼び、未認証ならAnonymousを注入する。
	AuthModePermissive
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey はリクエストコンテキストにIdentityを格納するためのキー。
	identityContextKey = contextKey("identity")
	// logInfoContextKey はアクセスログ用の情報を共有するためのキー。
	logInfoContextKey = contextKey("log_info")
)

// AuthFailureRecorder は認証失敗の理由を記録するインターフェース。
// metrics.Collectorが実装する。
type AuthFailureRecorder interface {
	RecordAuthFailure(reason string)
}

// AuthOption はAuth Gateのオプション。
type AuthOption func(*authGate)

// WithAuthFailureRecorder は認証失敗の記録先を設定する。
func WithAuthFailureRecorder(rec AuthFailureRecorder) AuthOption {
	return func(g *authGate) {
		g.recorder = rec
	}
}

type authGate struct {
	verifier auth.TokenVerifier
	mode     AuthMode
	recorder AuthFailureRecorder
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 検証結果はauth.Identityとしてリクエストコンテキストに注入する。
func NewAuthMiddleware(verifier auth.TokenVerifier, mode AuthMode, opts ...AuthOption) func(next http.Handler) http.Handler {
	g := &authGate{verifier: verifier, mode: mode}
	for _, opt := range opts {
		opt(g)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, reason := g.resolve(r)

			if identity.IsAnonymous() {
				if reason != "missing" {
					g.recordFailure(reason)
				}
				if g.mode == AuthModeStrict {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError())
					return
				}
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolve はリクエストからIdentityを解決する。失敗時は理由を返す。
func (g *authGate) resolve(r *http.Request) (auth.Identity, string) {
	token, reason := extractBearerToken(r.Header.Get("Authorization"))
	if reason != "" {
		return auth.Anonymous, reason
	}

	subject, err := g.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			return auth.Anonymous, "expired"
		case errors.Is(err, auth.ErrSigningKey):
			slog.Error("token verification misconfigured",
				slog.String("error", err.Error()),
			)
			return auth.Anonymous, "misconfigured"
		default:
			return auth.Anonymous, "invalid"
		}
	}

	return auth.NewIdentity(subject), ""
}

func (g *authGate) recordFailure(reason string) {
	if g.recorder != nil {
		g.recorder.RecordAuthFailure(reason)
	}
}

// extractBearerToken はAuthorizationヘッダーからトークンを取り出す。
// 失敗時は理由（missing / malformed）を返す。
func extractBearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "malformed"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "malformed"
	}
	return token, ""
}

// IdentityFromContext はリクエストコンテキストからIdentityを取得する。
// Auth Gateを通過していない場合はauth.Anonymousを返す。
func IdentityFromContext(ctx context.Context) auth.Identity {
	identity, ok := ctx.Value(identityContextKey).(auth.Identity)
	if !ok {
		return auth.Anonymous
	}
	return identity
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity := IdentityFromContext(ctx)
	if identity.IsAnonymous() {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.UserID, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
// ロギングミドルウェアの内側であれば、アクセスログにもユーザーIDを反映する。
func ContextWithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	if info, ok := ctx.Value(logInfoContextKey).(*requestLogInfo); ok && !identity.IsAnonymous() {
		info.userID = identity.UserID
	}
	return context.WithValue(ctx, identityContextKey, identity)
}
