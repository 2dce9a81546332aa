package storage

import "context"

// CredentialsVault manages the secure storage and retrieval of provider
// secrets, such as text generation API keys.
type CredentialsVault interface {
	// Store saves the secret under a name and returns an opaque handle
	// suitable for embedding in configuration.
	Store(ctx context.Context, name string, secret string) (string, error)

	// Fetch retrieves the secret for a given handle or registered name.
	Fetch(ctx context.Context, ref string) (string, error)
}
