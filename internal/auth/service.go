package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/livefeed/internal/model"
	"github.com/hitoshi/livefeed/internal/repository"
)

// 入力値の下限と上限。上限はusersテーブルのカラム幅とbcryptの入力長に合わせる。
const (
	minNameLength     = 5
	maxNameLength     = 255
	maxEmailLength    = 320
	minPasswordLength = 6
	maxPasswordBytes  = 72
)

// SignupInput はサインアップの入力値。
type SignupInput struct {
	Email    string
	Name     string
	Password string
}

// LoginResult はログイン成功時に返すトークン情報。
type LoginResult struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// TokenIssuer はトークン発行のインターフェース。
type TokenIssuer interface {
	Issue(subject TokenSubject, ttl time.Duration) (string, error)
}

// ServiceConfig は資格情報サービスの設定。
type ServiceConfig struct {
	TokenTTL   time.Duration
	BcryptCost int
}

// Service はサインアップとログインのビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   TokenIssuer
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, tokens TokenIssuer, config ServiceConfig) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo: userRepo,
		tokens:   tokens,
		config:   config,
		now:      time.Now,
	}
}

// Signup はユーザーを登録し、ユーザーIDを返す。
// 入力の違反はまとめてValidationErrorとして返す。
func (s *Service) Signup(ctx context.Context, input SignupInput) (string, error) {
	email := normalizeEmail(input.Email)
	name := strings.TrimSpace(input.Name)
	password := strings.TrimSpace(input.Password)

	var fields []model.FieldError
	switch {
	case utf8.RuneCountInString(email) > maxEmailLength:
		fields = append(fields, model.FieldError{Field: "email", Message: fmt.Sprintf("email must be at most %d characters", maxEmailLength)})
	case !isValidEmail(email):
		fields = append(fields, model.FieldError{Field: "email", Message: "Please enter a valid email address."})
	}
	switch n := utf8.RuneCountInString(name); {
	case n < minNameLength:
		fields = append(fields, model.FieldError{Field: "name", Message: fmt.Sprintf("name must be at least %d characters", minNameLength)})
	case n > maxNameLength:
		fields = append(fields, model.FieldError{Field: "name", Message: fmt.Sprintf("name must be at most %d characters", maxNameLength)})
	}
	switch {
	case utf8.RuneCountInString(password) < minPasswordLength:
		fields = append(fields, model.FieldError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength)})
	case len(password) > maxPasswordBytes:
		fields = append(fields, model.FieldError{Field: "password", Message: fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes)})
	}

	if !containsField(fields, "email") {
		existing, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return "", model.NewStorageError(err)
		}
		if existing != nil {
			fields = append(fields, model.FieldError{Field: "email", Message: "E-Mail address already exists!"})
		}
	}
	if len(fields) > 0 {
		return "", model.NewValidationError(fields)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Status:       model.DefaultUserStatus,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return "", model.NewEmailTakenError()
		}
		return "", model.NewStorageError(err)
	}

	slog.Info("user signed up",
		slog.String("user_id", user.ID),
	)
	return user.ID, nil
}

// Login はメールアドレスとパスワードを照合し、トークンを発行する。
// 未登録のメールアドレスとパスワード不一致は同じエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, model.NewStorageError(err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	token, err := s.tokens.Issue(TokenSubject{UserID: user.ID, Email: user.Email}, s.config.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
	)
	return &LoginResult{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: s.now().Add(s.config.TokenTTL),
	}, nil
}

// normalizeEmail は前後の空白を除去して小文字化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isValidEmail は表示名なしの単一アドレスであるかを判定する。
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@")+1:], ".")
}

func containsField(fields []model.FieldError, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}
