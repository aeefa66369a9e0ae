package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 24 * time.Hour

// Service answers the one question the engine asks before accepting any
// operation: which user does this token belong to. Credential management and
// login flows live upstream; a token either resolves or it does not.
type Service struct {
	Config
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// IssueToken mints an opaque token for an already-authenticated user. Only
// the keyed digest of the token is kept server-side; the plain token never
// rests in memory beyond the caller.
func (s *Service) IssueToken(userID string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	s.liveTokens.Set(s.digest(token), userID)
	return token, nil
}

// GetUserID resolves a token to a user identity. Returns an error for
// unknown or expired tokens.
func (s *Service) GetUserID(token string) (string, error) {
	return s.liveTokens.Get(s.digest(token))
}

func (s *Service) Revoke(token string) error {
	return s.liveTokens.Del(s.digest(token))
}

func (s *Service) digest(token string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
