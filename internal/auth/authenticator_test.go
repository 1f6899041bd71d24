package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	claims *Claims
}

func (s stubVerifier) Validate(string) (*Claims, error) {
	if s.claims == nil {
		return nil, errors.New("bad token")
	}
	return s.claims, nil
}

func (stubVerifier) Close() error { return nil }

func TestAuthenticate_LegacyToken(t *testing.T) {
	a := NewAuthenticator(nil, "secret")
	token, err := a.IssueLegacyToken("user-1", "u@example.com")
	require.NoError(t, err)

	id, err := a.Authenticate("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "u@example.com", id.Email)

	_, err = NewAuthenticator(nil, "other").Authenticate("Bearer " + token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_HeaderErrors(t *testing.T) {
	a := NewAuthenticator(nil, "secret")

	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = a.Authenticate("Token abc")
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = NewAuthenticator(nil, "").Authenticate("Bearer abc")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAuthenticate_VerifierFirst(t *testing.T) {
	a := NewAuthenticator(stubVerifier{claims: &Claims{UserID: "oidc-user", Name: "Ada"}}, "secret")
	id, err := a.Authenticate("Bearer anything")
	require.NoError(t, err)
	assert.Equal(t, "oidc-user", id.UserID)
	assert.Equal(t, "Ada", id.Name)

	strict := NewAuthenticator(stubVerifier{}, "")
	_, err = strict.Authenticate("Bearer anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
