package hydra

import "sync"

// SecretVault holds runtime credentials behind a read/write lock. Rotations
// (OAuth refresh, key replacement) take the write lock briefly; the request
// path only ever reads.
type SecretVault struct {
	mu         sync.RWMutex
	apiKey     string
	oauthToken string
}

// NewSecretVault creates a vault with an initial API key.
func NewSecretVault(apiKey string) *SecretVault {
	return &SecretVault{apiKey: apiKey}
}

// Credential returns the active credential, preferring OAuth when present.
func (v *SecretVault) Credential() Credential {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.oauthToken != "" {
		return Credential{Value: v.oauthToken, IsOAuth: true}
	}
	return Credential{Value: v.apiKey}
}

// SetAPIKey rotates the API key.
func (v *SecretVault) SetAPIKey(key string) {
	v.mu.Lock()
	v.apiKey = key
	v.mu.Unlock()
}

// SetOAuthToken rotates the OAuth bearer token. An empty token falls back to
// the API key.
func (v *SecretVault) SetOAuthToken(tok string) {
	v.mu.Lock()
	v.oauthToken = tok
	v.mu.Unlock()
}
