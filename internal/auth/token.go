package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar/storefront/internal/apperr"
	"github.com/safar/storefront/internal/models"
)

var (
	ErrMissingToken = apperr.New(apperr.KindUnauthorized, "No token, authorization denied")
	ErrInvalidToken = apperr.New(apperr.KindUnauthorized, "Token is not valid")
	ErrAdminOnly    = apperr.New(apperr.KindAccessDenied, "Access denied. Admin only.")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   models.Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == models.RoleAdmin
}

// CanAccess reports whether the caller may read a resource owned by ownerID.
func (i Identity) CanAccess(ownerID int64) bool {
	return i.UserID == ownerID || i.IsAdmin()
}

type Claims struct {
	ID   int64       `json:"id"`
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(user *models.User) (string, error) {
	now := t.now()
	claims := Claims{
		ID:   user.ID,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, ErrInvalidToken.Message, errors.Join(ErrInvalidToken, err))
	}

	role := claims.Role
	if role == "" {
		role = models.RoleUser
	}
	return Identity{UserID: claims.ID, Role: role}, nil
}
