package oras

import (
	"log/slog"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Store.
type Option func(*Store)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(s *Store) {
		s.credStore = store
	}
}

// WithStaticCredentials sets a username and password for a registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(s *Store) {
		s.credStore = StaticCredentials(registry, username, password)
	}
}

// WithStaticToken sets a bearer token for a registry.
func WithStaticToken(registry, token string) Option {
	return func(s *Store) {
		s.credStore = StaticToken(registry, token)
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json. If the
// docker config cannot be loaded the store falls back to no credentials.
func WithDockerConfig() Option {
	return func(s *Store) {
		store, err := DefaultCredentialStore()
		if err != nil {
			return
		}
		s.credStore = store
	}
}

// WithPlainHTTP enables plain HTTP (no TLS), for local registries.
func WithPlainHTTP(enabled bool) Option {
	return func(s *Store) {
		s.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication, including credential lookups.
func WithAnonymous() Option {
	return func(s *Store) {
		s.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(s *Store) {
		s.userAgent = ua
	}
}

// WithLogger sets the logger. Nil means discard.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRootCacheEntries bounds how many manifest to root mappings Resolve
// remembers. Zero disables the memo.
func WithRootCacheEntries(n int) Option {
	return func(s *Store) {
		s.roots = newRootCache(n)
	}
}
