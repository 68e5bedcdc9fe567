package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	minNameLength     = 2
	maxNameLength     = 50
)

var ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "Invalid credentials")

func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

type UserStore interface {
	CreateUser(ctx context.Context, email, name, passwordHash string, role models.Role) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type Service struct {
	users  UserStore
	tokens *TokenIssuer
}

func NewService(users UserStore, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (in RegisterInput) validate() error {
	var fields []apperr.FieldError
	name := strings.TrimSpace(in.Name)
	if n := len([]rune(name)); n < minNameLength || n > maxNameLength {
		fields = append(fields, apperr.FieldError{Field: "name", Message: "Name must be between 2 and 50 characters"})
	}
	if _, err := mail.ParseAddress(normalizeEmail(in.Email)); err != nil {
		fields = append(fields, apperr.FieldError{Field: "email", Message: "Please enter a valid email"})
	}
	if len(in.Password) < minPasswordLength {
		fields = append(fields, apperr.FieldError{Field: "password", Message: "Password must be at least 6 characters"})
	}
	if len(fields) > 0 {
		return apperr.Validation(fields...)
	}
	return nil
}

// Register creates a user with the default role and returns a signed token.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, string, error) {
	if err := in.validate(); err != nil {
		return nil, "", err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, "", err
	}

	user, err := s.users.CreateUser(ctx, normalizeEmail(in.Email), strings.TrimSpace(in.Name), hash, models.RoleUser)
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *Service) Me(ctx context.Context, id Identity) (*models.User, error) {
	return s.users.GetUser(ctx, id.UserID)
}
