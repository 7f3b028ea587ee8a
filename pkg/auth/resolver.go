package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid bearer token")
	ErrExpiredToken    = errors.New("bearer token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// Identity is the resolved caller handed to the core. The core never
// interprets the credential itself; it only sees this.
type Identity struct {
	Subject string
	Role    string
}

// Resolver maps an opaque bearer credential to a stable identity.
// Implementations live at the identity-resolution boundary; the rest of the
// service treats the result as ground truth.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Claims are the JWT claims the default resolver understands
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver resolves HS256-signed bearer tokens issued by the identity
// service. The subject claim is the stable external identifier.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for tokens signed with the given secret
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

// Resolve validates the credential and returns the caller's identity
func (r *JWTResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = "free"
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// GenerateToken creates a signed token for the given subject and role.
// Used by tests and local tooling; production tokens come from the identity
// service.
func GenerateToken(subject, role string, secret []byte, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
