package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestVerifyWithoutSecret(t *testing.T) {
	v := NewVerifier("")
	assert.Equal(t, v.RequiresJWT(), false)

	identity, err := v.Verify("ann")
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserName, "ann")

	_, err = v.Verify("  ")
	assert.Equal(t, errors.Is(err, ErrMissingToken), true)
}

func TestVerifyJWT(t *testing.T) {
	v := NewVerifier("s3cret")
	assert.Equal(t, v.RequiresJWT(), true)

	token, err := Sign("s3cret", "ann")
	assert.Equal(t, err, nil)

	identity, err := v.Verify(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserName, "ann")

	forged, err := Sign("other", "ann")
	assert.Equal(t, err, nil)
	_, err = v.Verify(forged)
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	_, err = v.Verify("ann")
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	_, err = v.Verify("")
	assert.Equal(t, errors.Is(err, ErrMissingToken), true)
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	v := NewVerifier("s3cret")

	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "bob",
	}).SignedString([]byte("s3cret"))
	assert.Equal(t, err, nil)

	identity, err := v.Verify(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserName, "bob")

	anonymous, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{}).SignedString([]byte("s3cret"))
	assert.Equal(t, err, nil)
	_, err = v.Verify(anonymous)
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/document/demo?token=abc", nil)
	assert.Equal(t, TokenFromRequest(r), "abc")

	r = httptest.NewRequest("GET", "/api/documents/demo/versions", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, TokenFromRequest(r), "xyz")

	r = httptest.NewRequest("GET", "/api/documents/demo/versions", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, TokenFromRequest(r), "")
}
