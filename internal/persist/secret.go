package persist

import (
	"crypto/rand"
	"fmt"
	"os"
)

const masterSecretSize = 32

// LoadOrCreateMasterSecret reads the process-local master secret at path,
// generating and persisting a fresh 32-byte secret on first run. This
// secret never leaves the host and is never part of any wire exchange; it
// exists solely to key the blob integrity trailers, playing the role the
// reference corpus's signing-key-derived HMAC key plays for its own
// on-disk store.
func LoadOrCreateMasterSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != masterSecretSize {
			return nil, fmt.Errorf("persist: master secret at %s has wrong length %d", path, len(raw))
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("persist: read master secret %s: %w", path, err)
	}

	secret := make([]byte, masterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("persist: generate master secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist: write master secret %s: %w", path, err)
	}
	return secret, nil
}
