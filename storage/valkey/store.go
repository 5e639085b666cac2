package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
	"github.com/giantswarm/mcp-authbridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authbridge:"

	backendName = "valkey"

	// tokenLogLength is how much of a refresh token may appear in debug logs
	tokenLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength bounds refresh tokens accepted from clients
	MaxTokenLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authbridge:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Clock overrides time.Now for expiry checks
	Clock func() time.Time
}

// Store is a Valkey-backed RefreshTokenStore and CodeLedger.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	now       func() time.Time
	telemetry *storage.Telemetry
}

var (
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.CodeLedger        = (*Store)(nil)
)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans and operation metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.telemetry = storage.NewTelemetry(backendName, inst)
}

// Ping checks that the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) refreshKey(token string) string {
	return s.prefix + "refresh:" + token
}

func (s *Store) subjectKey(subject string) string {
	return s.prefix + "subject:" + subject
}

func (s *Store) codeKey(codeID string) string {
	return s.prefix + "code:" + codeID
}

// ttlMillis returns the remaining lifetime until expiresAt, at least one millisecond.
func (s *Store) ttlMillis(expiresAt time.Time) int64 {
	ms := expiresAt.Sub(s.now()).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaPutRefreshToken stores a record and adds it to its subject's index.
// The index lives at least as long as its longest-lived member.
//
// KEYS[1] = refresh key
// KEYS[2] = subject key
// ARGV[1] = JSON record
// ARGV[2] = lifetime in milliseconds
// ARGV[3] = token
const luaPutRefreshToken = `
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
redis.call('SADD', KEYS[2], ARGV[3])
if redis.call('PTTL', KEYS[2]) < ttl then
    redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`

// luaTakeRefreshToken deletes a record and removes it from its subject's index,
// returning the record JSON, or nil when the key did not exist.
//
// KEYS[1] = refresh key
// ARGV[1] = subject key prefix
// ARGV[2] = token
const luaTakeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
local record = cjson.decode(data)
redis.call('SREM', ARGV[1] .. record.subject, ARGV[2])
return data
`

// luaDeleteAllForSubject deletes every refresh token in a subject's index and the
// index itself, returning how many records still existed.
//
// KEYS[1] = subject key
// ARGV[1] = refresh key prefix
const luaDeleteAllForSubject = `
local tokens = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, token in ipairs(tokens) do
    removed = removed + redis.call('DEL', ARGV[1] .. token)
end
redis.call('DEL', KEYS[1])
return removed
`
