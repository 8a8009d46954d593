// ABOUTME: JWT verification for the websocket handshake.
// ABOUTME: HS256 with configurable secret; maps failures to the handshake error taxonomy.

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Handshake errors. Each one closes the connection before it is accepted.
var (
	// ErrMissingToken means the handshake carried no credential.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken means the credential was malformed, expired, or had
	// a bad signature.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSecret means the server has no signing secret configured.
	ErrNoSecret = errors.New("jwt secret not configured")
)

// Verifier validates a handshake credential and resolves it to a user ID.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs. The user ID is
// carried in the "sub" claim; expiry is enforced by the parser.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given secret. An empty secret
// is a server misconfiguration and is rejected up front.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the user ID from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return sub, nil
}

// Generate creates a signed token for the given user ID. Used by the
// "token" subcommand and by tests.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// TokenFromRequest extracts the handshake credential from an HTTP request.
// The token query parameter takes precedence; a bearer Authorization
// header is accepted as a fallback for non-browser clients.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
