package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryCredentialsVault is an in-memory implementation of CredentialsVault.
type MemoryCredentialsVault struct {
	mu       sync.RWMutex
	byHandle map[string]string
	byName   map[string]string
}

// NewMemoryCredentialsVault creates a new in-memory credentials vault.
func NewMemoryCredentialsVault() *MemoryCredentialsVault {
	return &MemoryCredentialsVault{
		byHandle: make(map[string]string),
		byName:   make(map[string]string),
	}
}

// Store saves the secret and returns an opaque vault handle.
func (v *MemoryCredentialsVault) Store(_ context.Context, name string, secret string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("storage: credential name is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	handle := fmt.Sprintf("vault://%s", uuid.New().String())
	v.byHandle[handle] = secret
	v.byName[name] = secret
	return handle, nil
}

// Fetch retrieves the secret for a given handle or registered name.
func (v *MemoryCredentialsVault) Fetch(_ context.Context, ref string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if secret, ok := v.byHandle[ref]; ok {
		return secret, nil
	}
	if secret, ok := v.byName[ref]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("%w: credential %s", ErrNotFound, ref)
}
