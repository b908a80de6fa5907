package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vango-go/vai-interview/pkg/core"
)

// Principal is the authenticated candidate behind a voice session.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// Validator checks session_start credentials.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

// ParseBearer returns the token of an "Authorization: Bearer" header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Claims is the token payload issued by the account service.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTValidator validates HS256 tokens. The subject claim is the user id.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	return &JWTValidator{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTValidator) ValidateToken(_ context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, core.NewUnauthenticatedError("token is required")
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, core.NewUnauthenticatedError("invalid or expired token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, core.NewUnauthenticatedError("token has no subject")
	}
	return &Principal{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Issue signs a token for tests and local tooling.
func Issue(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Static accepts a fixed set of opaque tokens mapped to user ids. Development only.
type Static map[string]string

func (s Static) ValidateToken(_ context.Context, token string) (*Principal, error) {
	userID, ok := s[strings.TrimSpace(token)]
	if !ok {
		return nil, core.NewUnauthenticatedError("invalid token")
	}
	return &Principal{UserID: userID}, nil
}

// Disabled accepts every token, including an empty one.
type Disabled struct{}

func (Disabled) ValidateToken(context.Context, string) (*Principal, error) {
	return &Principal{UserID: "anonymous"}, nil
}
