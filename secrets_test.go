package hydra

import "testing"

func TestSecretVaultPrefersOAuth(t *testing.T) {
	v := NewSecretVault("api-key")
	if c := v.Credential(); c.Value != "api-key" || c.IsOAuth {
		t.Errorf("credential = %+v", c)
	}

	v.SetOAuthToken("bearer-token")
	if c := v.Credential(); c.Value != "bearer-token" || !c.IsOAuth {
		t.Errorf("credential = %+v", c)
	}

	// Clearing the token falls back to the key.
	v.SetOAuthToken("")
	if c := v.Credential(); c.Value != "api-key" || c.IsOAuth {
		t.Errorf("credential = %+v", c)
	}

	v.SetAPIKey("rotated")
	if c := v.Credential(); c.Value != "rotated" {
		t.Errorf("credential = %+v", c)
	}
}
