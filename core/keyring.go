package core

import (
	"context"
	"strings"
	"sync"
)

// KeyRing implements RateLimiter over a static API-key allow-list. Keys are
// compared case-insensitively. Consumption is only accounted, never limited.
type KeyRing struct {
	mu    sync.RWMutex
	usage map[string]int
}

// NewKeyRing creates a KeyRing allowing exactly keys.
func NewKeyRing(keys []string) *KeyRing {
	kr := &KeyRing{
		usage: make(map[string]int, len(keys)),
	}
	for _, k := range keys {
		if k = normalizeKey(k); k != "" {
			kr.usage[k] = 0
		}
	}
	return kr
}

// Allow reports whether apiKey is on the allow-list.
func (k *KeyRing) Allow(ctx context.Context, apiKey string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key := normalizeKey(apiKey)
	if key == "" {
		return false, nil
	}
	_, ok := k.usage[key]
	return ok, nil
}

// Consume adds the tokens a completed session produced to the key's usage.
func (k *KeyRing) Consume(ctx context.Context, apiKey string, actualTokens int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := normalizeKey(apiKey)
	if _, ok := k.usage[key]; ok {
		k.usage[key] += actualTokens
	}
	return nil
}

// Usage returns the tokens accounted to apiKey.
func (k *KeyRing) Usage(apiKey string) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.usage[normalizeKey(apiKey)]
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
