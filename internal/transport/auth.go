package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/shelf/internal/ir"
)

// ErrUnauthenticated is returned for a bearer token that cannot be verified.
var ErrUnauthenticated = errors.New("invalid bearer token")

// Authenticator resolves the acting user from an HMAC-signed JWT.
// Tokens carry the user id in "sub" and an optional "role" claim.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator verifies tokens with secret. With an empty secret every
// bearer token is rejected and only anonymous access remains.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

// Actor resolves an Authorization header value. An empty header is the
// anonymous actor.
func (a *Authenticator) Actor(header string) (ir.Actor, error) {
	if header == "" {
		return ir.Anonymous, nil
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ir.Actor{}, fmt.Errorf("%w: expected a Bearer authorization", ErrUnauthenticated)
	}
	return a.ActorFromToken(strings.TrimSpace(raw))
}

// ActorFromToken verifies raw and returns the user it names.
func (a *Authenticator) ActorFromToken(raw string) (ir.Actor, error) {
	if len(a.secret) == 0 {
		return ir.Actor{}, fmt.Errorf("%w: token authentication is not configured", ErrUnauthenticated)
	}
	token, err := a.parser.ParseWithClaims(raw, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return ir.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims := token.Claims.(jwt.MapClaims)
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return ir.Actor{}, fmt.Errorf("%w: missing sub claim", ErrUnauthenticated)
	}
	role, _ := claims["role"].(string)
	return ir.User(sub, role), nil
}

// SignToken issues a token for a user, valid for ttl (no expiry when ttl is
// zero). Used by the CLI and tests to talk to a server sharing the secret.
func SignToken(secret, userID, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{"sub": userID, "iat": time.Now().Unix()}
	if role != "" {
		claims["role"] = role
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
