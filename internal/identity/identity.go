// Package identity resolves bearer tokens to marketplace users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
)

// Authenticator maps a token to the user it was issued to. Failures wrap
// apperr.ErrAuthenticationFailed.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.User, error)
}

// Claims carried by chat tokens. The user id is read from user_id, falling
// back to the registered subject.
type Claims struct {
	UserID int    `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Active *bool  `json:"active,omitempty"`
	jwt.RegisteredClaims
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Authenticate(_ context.Context, tokenStr string) (models.User, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", apperr.ErrAuthenticationFailed, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.User{}, fmt.Errorf("%w: invalid token", apperr.ErrAuthenticationFailed)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, err = strconv.Atoi(claims.Subject)
		if err != nil {
			return models.User{}, fmt.Errorf("%w: non-numeric subject", apperr.ErrAuthenticationFailed)
		}
	}
	if userID <= 0 {
		return models.User{}, fmt.Errorf("%w: missing user id", apperr.ErrAuthenticationFailed)
	}

	user := models.User{ID: userID, DisplayName: claims.Name, Active: true}
	if claims.Active != nil {
		user.Active = *claims.Active
	}
	if !user.Active {
		return models.User{}, fmt.Errorf("%w: user %d is inactive", apperr.ErrAuthenticationFailed, userID)
	}
	return user, nil
}

// Sign issues a token for user valid for ttl. Used by tests and local tooling.
func (v *JWTVerifier) Sign(user models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	active := user.Active
	claims := Claims{
		UserID: user.ID,
		Name:   user.DisplayName,
		Active: &active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
