// Package auth resolves client credentials to identities. The proxy consults
// it once per session and never caches the result.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tickproxy/config"
	"tickproxy/internal/storage"
)

// ErrAuthentication matches every *AuthenticationError.
var ErrAuthentication = errors.New("authentication failed")

type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// Identity is who a session acts as. Broker selects the adapter that serves
// every topic the session subscribes to.
type Identity struct {
	User   string `json:"user"`
	Broker string `json:"broker"`
}

// Resolver maps a credential to an Identity or an *AuthenticationError.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, credential string) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// Static resolves api keys listed in the configuration.
type Static struct {
	keys map[string]Identity
}

func NewStatic(keys []config.APIKeyConfig) *Static {
	s := &Static{keys: make(map[string]Identity, len(keys))}
	for _, k := range keys {
		user := k.User
		if user == "" {
			user = k.Key
		}
		s.keys[k.Key] = Identity{User: user, Broker: strings.ToUpper(k.Broker)}
	}
	return s
}

func (s *Static) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, &AuthenticationError{Reason: "empty credential"}
	}
	id, ok := s.keys[credential]
	if !ok {
		return Identity{}, &AuthenticationError{Reason: "unknown api key"}
	}
	return id, nil
}

// SQL resolves api keys from the api_keys table.
type SQL struct {
	db    *storage.DB
	query string
}

func NewSQL(db *storage.DB) *SQL {
	return &SQL{
		db:    db,
		query: db.Rebind(`SELECT user_id, broker, active FROM api_keys WHERE api_key = ?`),
	}
}

func (s *SQL) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, &AuthenticationError{Reason: "empty credential"}
	}
	var (
		id     Identity
		active bool
	)
	err := s.db.QueryRowContext(ctx, s.query, credential).Scan(&id.User, &id.Broker, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, &AuthenticationError{Reason: "unknown api key"}
	}
	if err != nil {
		return Identity{}, &AuthenticationError{Reason: "credential lookup failed", Err: err}
	}
	if !active {
		return Identity{}, &AuthenticationError{Reason: "api key revoked"}
	}
	id.Broker = strings.ToUpper(id.Broker)
	return id, nil
}

// Grant inserts or updates an api key.
func (s *SQL) Grant(ctx context.Context, key, user, broker string, active bool) error {
	stmt := s.db.Rebind(`INSERT INTO api_keys (api_key, user_id, broker, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (api_key) DO UPDATE SET user_id = excluded.user_id, broker = excluded.broker, active = excluded.active`)
	if _, err := s.db.ExecContext(ctx, stmt, key, user, broker, active); err != nil {
		return fmt.Errorf("grant api key: %w", err)
	}
	return nil
}

// New builds the Resolver selected by cfg.Source.
func New(cfg config.AuthConfig, db *storage.DB) (Resolver, error) {
	switch cfg.Source {
	case config.SourceStatic, "":
		return NewStatic(cfg.Keys), nil
	case config.SourceSQL:
		if db == nil {
			return nil, fmt.Errorf("auth source sql requires a database")
		}
		return NewSQL(db), nil
	default:
		return nil, fmt.Errorf("unknown auth source %q", cfg.Source)
	}
}
