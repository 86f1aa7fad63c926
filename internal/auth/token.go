package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is who a connection token belongs to
type Identity struct {
	UserName string
}

// Verifier accepts or rejects connection tokens.
// With a secret, tokens must be HS256 JWTs; without one any non-empty token is
// accepted and doubles as the user name.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	v := &Verifier{}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

// RequiresJWT reports whether tokens are verified as JWTs
func (v *Verifier) RequiresJWT() bool {
	return v.secret != nil
}

// Verify checks a token
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	if v.secret == nil {
		return &Identity{UserName: token}, nil
	}

	claims := gojwt.MapClaims{}
	parsed, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (interface{}, error) {
		return v.secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	identity := &Identity{}
	if name, ok := claims["name"].(string); ok && name != "" {
		identity.UserName = name
	} else if sub, err := claims.GetSubject(); err == nil && sub != "" {
		identity.UserName = sub
	} else {
		return nil, fmt.Errorf("%w: no name or sub claim", ErrInvalidToken)
	}

	return identity, nil
}

// TokenFromRequest reads the token from ?token= or an Authorization bearer header
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Sign issues an HS256 token for a user; used by tooling and tests
func Sign(secret, userName string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  userName,
		"name": userName,
	})
	return token.SignedString([]byte(secret))
}
