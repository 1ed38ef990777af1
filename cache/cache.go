// Package cache stores render results for reuse by later requests that
// accept a result of a given age.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/use-agent/prerender/models"
)

// Store is a render result cache. Implementations are safe for concurrent
// use.
type Store interface {
	// Get returns the result stored under key if it is younger than maxAge.
	// maxAge <= 0 disables the lookup.
	Get(ctx context.Context, key string, maxAge time.Duration) (*models.RenderResult, bool, error)

	// Set stores res under key.
	Set(ctx context.Context, key string, res *models.RenderResult) error

	Close() error
}

// Key derives a cache key from the URL and a fingerprint of every option
// that changes the result.
func Key(url string, fingerprint ...string) string {
	h := sha256.New()
	h.Write([]byte(url))
	for _, f := range fingerprint {
		h.Write([]byte("|"))
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
