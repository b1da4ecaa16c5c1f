package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const DefaultTokenTTL = 30 * time.Minute

// Issuer mints HS256 tokens with the configured secret, issuer and audience.
type Issuer struct {
	cfg JWTConfig
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(cfg JWTConfig, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{cfg: cfg, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for subject and its expiry.
func (i *Issuer) Issue(subject, email string, roles []string) (string, time.Time, error) {
	if len(i.cfg.SigningKey) == 0 {
		return "", time.Time{}, fmt.Errorf("issue token: no signing key configured")
	}
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Email: email,
		Roles: roles,
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// TokenRequest is the body of POST /jwt.
type TokenRequest struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Handler issues a token for the posted user. It is only mounted in
// development.
func (i *Issuer) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var req TokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		email := strings.TrimSpace(req.Email)
		if email == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "email is required")
		}
		token, expires, err := i.Issue(email, email, req.Groups)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
	}
}

// ServiceTokenSource hands out a cached service token and mints a new one
// shortly before the cached one expires.
type ServiceTokenSource struct {
	issuer  *Issuer
	subject string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewServiceTokenSource(issuer *Issuer, subject string) *ServiceTokenSource {
	return &ServiceTokenSource{issuer: issuer, subject: subject}
}

func (s *ServiceTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.issuer.now().Add(time.Minute).Before(s.expires) {
		return s.token, nil
	}
	token, expires, err := s.issuer.Issue(s.subject, "", []string{RoleService})
	if err != nil {
		return "", err
	}
	s.token, s.expires = token, expires
	return token, nil
}
