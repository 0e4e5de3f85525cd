// Package auth verifies bearer credentials issued by the account service.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/dkeye/huddle/internal/domain"
)

// Claims is the token payload shared with the issuer.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secretKey []byte
	now       func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secretKey: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, domain.ExternalError("identity verification cancelled", err)
	}
	if len(v.secretKey) == 0 {
		return domain.Identity{}, domain.InternalError("jwt secret not configured", nil)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return domain.Identity{}, domain.AuthError("invalid token", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Identity{}, domain.AuthError("invalid token", nil)
	}
	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	id, err := domain.NewUserID(uid)
	if err != nil {
		return domain.Identity{}, domain.AuthError("token without user", err)
	}
	return domain.Identity{UserID: id, DisplayName: claims.Name}, nil
}

// Issue signs a token for uid. It exists for tests and local tooling; real
// tokens come from the account service.
func (v *JWTVerifier) Issue(uid domain.UserID, name string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		UserID: string(uid),
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secretKey)
}
