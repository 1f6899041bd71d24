package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/api/internal/config"
)

const testIssuer = "https://id.clipforge.test"

func signRS256(t *testing.T, key *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() *Claims {
	now := time.Now()
	return &Claims{
		UserID:            "user-42",
		Email:             "editor@clipforge.test",
		PreferredUsername: "editor",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{"clipforge-api"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestJWKSVerifier_Validate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kf := func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
	v := newJWKSVerifier(kf, testIssuer, "clipforge-api")

	claims, err := v.Validate(signRS256(t, key, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, "editor", claims.DisplayName())

	t.Run("wrong audience", func(t *testing.T) {
		c := validClaims()
		c.Audience = jwt.ClaimStrings{"another-app"}
		_, err := v.Validate(signRS256(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims()
		c.Issuer = "https://evil.test"
		_, err := v.Validate(signRS256(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no expiry", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = nil
		_, err := v.Validate(signRS256(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired beyond leeway", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.Validate(signRS256(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("symmetric algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("shared"))
		require.NoError(t, err)
		_, err = v.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no subject", func(t *testing.T) {
		c := validClaims()
		c.UserID = ""
		_, err := v.Validate(signRS256(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestJWKSVerifier_AudienceOptional(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newJWKSVerifier(func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }, testIssuer, "")

	c := validClaims()
	c.Audience = jwt.ClaimStrings{"anything"}
	_, err = v.Validate(signRS256(t, key, c))
	assert.NoError(t, err)
	assert.NoError(t, v.Close())
}

func TestDiscoverJWKSURL(t *testing.T) {
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good/.well-known/openid-configuration":
			_, _ = w.Write([]byte(`{"issuer":"` + issuer + `/good/","jwks_uri":"` + issuer + `/good/keys"}`))
		case "/mismatch/.well-known/openid-configuration":
			_, _ = w.Write([]byte(`{"issuer":"https://elsewhere.test","jwks_uri":"https://elsewhere.test/keys"}`))
		case "/empty/.well-known/openid-configuration":
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	issuer = srv.URL
	ctx := context.Background()

	url, err := discoverJWKSURL(ctx, srv.Client(), srv.URL+"/good")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/good/keys", url)

	_, err = discoverJWKSURL(ctx, srv.Client(), srv.URL+"/mismatch")
	assert.ErrorContains(t, err, "elsewhere.test")

	_, err = discoverJWKSURL(ctx, srv.Client(), srv.URL+"/empty")
	assert.ErrorContains(t, err, "jwks_uri")

	_, err = discoverJWKSURL(ctx, srv.Client(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")
}

func TestNewJWKSVerifier_RequiresIssuer(t *testing.T) {
	_, err := NewJWKSVerifier(&config.OIDCConfig{})
	assert.Error(t, err)
}
