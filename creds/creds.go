// Package creds defines the bearer-credential boundary consumed by the
// connection layer. A Provider yields a token per outgoing RPC; caching
// and refresh are the provider's problem, never the caller's.
package creds

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Provider yields the bearer token to attach to one outgoing RPC.
// Implementations must be safe for concurrent use.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static returns a Provider that always yields tok. Useful against
// emulators and in tests.
func Static(tok string) Provider {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		return tok, nil
	})
}

// TokenSource adapts an oauth2.TokenSource to the Provider interface.
// Wrap the source with oauth2.ReuseTokenSource if it does not already
// cache; this package does not add caching of its own.
func TokenSource(ts oauth2.TokenSource) Provider {
	return ProviderFunc(func(ctx context.Context) (string, error) {
		tok, err := ts.Token()
		if err != nil {
			return "", fmt.Errorf("fetch oauth2 token: %w", err)
		}
		return tok.AccessToken, nil
	})
}
