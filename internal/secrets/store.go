// Package secrets is the credential collaborator. Adapters reference secret
// material by name and resolve it through a Store; time-bounded tokens are
// kept in the same Store by TokenCache.
package secrets

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/picklr-io/reconcilr/internal/fault"
)

// Store reads and writes named secrets. A missing secret is reported with
// ok=false, never as an error.
type Store interface {
	Get(ctx context.Context, name string) (value string, ok bool, err error)
	Set(ctx context.Context, name, value string) error
	Remove(ctx context.Context, name string) error
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns n random alphanumeric characters from crypto/rand.
func RandString(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// Require returns the named secret or a configuration error when it is
// missing or empty.
func Require(ctx context.Context, store Store, name string) (string, error) {
	if store == nil {
		return "", fault.Configurationf("secret %q required but no secret store is configured", name)
	}
	v, ok, err := store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fault.Configurationf("secret %q not found", name)
	}
	return v, nil
}
