package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
)

func TestVerify_IssuedToken(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token, err := v.Issue("u-1", "Ann", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-1"), id.UserID)
	assert.Equal(t, "Ann", id.DisplayName)
}

func TestVerify_SubjectFallback(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "u-sub", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	id, err := NewJWTVerifier("s3cret").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-sub"), id.UserID)
}

func TestVerify_Rejects(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	other, err := NewJWTVerifier("other").Issue("u-1", "", time.Hour)
	require.NoError(t, err)

	expiredIssuer := NewJWTVerifier("s3cret")
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue("u-1", "", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noUser, err := v.Issue("", "", time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": other,
		"expired":      expired,
		"alg none":     unsigned,
		"no user":      noUser,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindAuth), "got %v", err)
		})
	}
}

func TestVerify_CancelledContextIsExternal(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	token, err := v.Issue("u-1", "", time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = v.Verify(ctx, token)
	assert.True(t, domain.IsKind(err, domain.KindExternal))
}

func TestVerify_MissingSecret(t *testing.T) {
	_, err := NewJWTVerifier("").Verify(context.Background(), "x.y.z")
	assert.True(t, domain.IsKind(err, domain.KindInternal))
}
