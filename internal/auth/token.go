// Package auth はトークン発行・検証とサインアップ・ログインを提供する。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン関連のエラー。
var (
	// ErrSigningKey は署名鍵が設定されていないことを表す。起動時の設定不備として扱う。
	ErrSigningKey = errors.New("signing key is not configured")
	// ErrInvalidToken は署名不正・形式不正・アルゴリズム不一致・subject欠落を表す。
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken は有効期限切れを表す。
	ErrExpiredToken = errors.New("token expired")
)

// TokenSubject はトークンに埋め込む利用者情報。
type TokenSubject struct {
	UserID string
	Email  string
}

// Claims はセッショントークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// TokenVerifier はトークン検証のインターフェース。
// Auth Gateはこのインターフェースにのみ依存する。
type TokenVerifier interface {
	Verify(token string) (TokenSubject, error)
}

// TokenService はHS256署名のセッショントークンを発行・検証する。
// 状態を持たず、結果は入力と時計のみで決まる。
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// TokenOption はTokenServiceのオプション。
type TokenOption func(*TokenService)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

// NewTokenService はTokenServiceを生成する。
func NewTokenService(secret string, opts ...TokenOption) *TokenService {
	s := &TokenService{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue はsubjectに対してttl有効なトークンを発行する。
func (s *TokenService) Issue(subject TokenSubject, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrSigningKey
	}
	if subject.UserID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: subject.UserID,
		Email:  subject.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証してsubjectを返す。
func (s *TokenService) Verify(tokenString string) (TokenSubject, error) {
	if len(s.secret) == 0 {
		return TokenSubject{}, ErrSigningKey
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenSubject{}, ErrExpiredToken
		}
		return TokenSubject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return TokenSubject{}, ErrInvalidToken
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return TokenSubject{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return TokenSubject{UserID: userID, Email: claims.Email}, nil
}

// compile-time interface check
var _ TokenVerifier = (*TokenService)(nil)
