// Package creds supplies provider credentials from the user's secret store,
// with a restricted-permission file as fallback.
package creds

import "errors"

// ErrNotConfigured is returned when no credentials have been stored yet.
var ErrNotConfigured = errors.New("credentials not configured")

// Source yields the provider credentials.
type Source interface {
	Get() (username, password string, err error)
}

// Store is implemented by sources that can also persist credentials.
type Store interface {
	Source
	Set(username, password string) error
}

// Chain tries each source in order, returning the first configured one.
type Chain []Source

// Get returns credentials from the first source that has them. Errors other
// than ErrNotConfigured abort the chain.
func (c Chain) Get() (string, string, error) {
	for _, s := range c {
		u, p, err := s.Get()
		if err == nil {
			return u, p, nil
		}
		if !errors.Is(err, ErrNotConfigured) {
			return "", "", err
		}
	}
	return "", "", ErrNotConfigured
}
