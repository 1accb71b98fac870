package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/p-n-ai/pai-learn/internal/domain"
)

// ServiceKeyHeader carries the payment service's key on enrollment calls.
const ServiceKeyHeader = "X-Service-Key"

var errUnauthenticated = errors.New("unauthenticated")

// Claims is the bearer token payload. The subject is the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the identity
// provider.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty issuer accepts any
// issuer.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Sign issues a token for actor. Used by tooling and tests; production
// tokens come from the identity provider.
func (a *Authenticator) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Actor parses the Authorization header into the calling actor.
func (a *Authenticator) Actor(header string) (domain.Actor, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return domain.Actor{}, errUnauthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}

	role := domain.Role(claims.Role)
	switch role {
	case domain.RoleStudent, domain.RoleInstructor, domain.RoleModerator, domain.RoleAdmin:
	case "":
		role = domain.RoleStudent
	default:
		return domain.Actor{}, fmt.Errorf("%w: unknown role %q", errUnauthenticated, claims.Role)
	}
	return domain.Actor{UserID: claims.Subject, Role: role}, nil
}

type actorKey struct{}

// withActor rejects requests without a valid bearer token and stores the
// actor in the request context.
func (s *Server) withActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Actor(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

// withServiceKey admits only callers presenting the payment service key.
func (s *Server) withServiceKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(ServiceKeyHeader)
		if len(s.serviceKeyHash) == 0 || key == "" ||
			bcrypt.CompareHashAndPassword(s.serviceKeyHash, []byte(key)) != nil {
			writeError(w, r, errUnauthenticated)
			return
		}
		next(w, r)
	}
}
