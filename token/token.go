package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type tags a token variant
type Type string

const (
	TypeAuthorizationCode    Type = "authorization_code"
	TypeAccessToken          Type = "access_token" //nolint:gosec // variant name
	TypeAuthorizationRequest Type = "authorization_request"
)

// MinKeyLength is the shortest accepted HMAC key
const MinKeyLength = 32

// ErrInvalidToken is returned for any token that must not be trusted:
// bad signature, malformed, expired, or of the wrong type.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of every token variant. Fields a variant does not use stay empty.
type Claims struct {
	Type                Type     `json:"typ"`
	ClientID            string   `json:"cid,omitempty"`
	RedirectURI         string   `json:"ruri,omitempty"`
	Scopes              []string `json:"scp,omitempty"`
	State               string   `json:"st,omitempty"`
	CodeChallenge       string   `json:"cc,omitempty"`
	CodeChallengeMethod string   `json:"ccm,omitempty"`
	jwt.RegisteredClaims
}

// Codec issues and verifies tokens with one key
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a Codec
type Option func(*Codec)

// WithIssuer sets the iss claim on issued tokens and requires it on verification
func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = issuer }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a codec signing with key. The key must be at least MinKeyLength bytes.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("token signing key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	c := &Codec{
		key: append([]byte(nil), key...),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.issuer))
	}
	c.parser = jwt.NewParser(parserOpts...)
	return c, nil
}

// Issue signs claims with an expiry of now+ttl truncated to whole seconds, so
// ttl must be at least one second. A jti is assigned when claims.ID is empty.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	signed, _, err := c.IssueWithExpiry(claims, ttl)
	return signed, err
}

// IssueWithExpiry is Issue that also returns the expiry written into the token.
func (c *Codec) IssueWithExpiry(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Type == "" {
		return "", time.Time{}, fmt.Errorf("token type is required")
	}
	if ttl < time.Second {
		return "", time.Time{}, fmt.Errorf("token ttl must be at least 1s, got %s", ttl)
	}

	now := c.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if c.issuer != "" {
		claims.Issuer = c.issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s: %w", claims.Type, err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify parses raw, checks its signature and expiry, and requires the given type.
// Every failure wraps ErrInvalidToken.
func (c *Codec) Verify(raw string, want Type) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrInvalidToken, want, claims.Type)
	}
	if claims.ExpiresAt == nil || !c.now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return claims, nil
}

// Expiry returns the expiry of claims, or the zero time
func (c *Claims) Expiry() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
