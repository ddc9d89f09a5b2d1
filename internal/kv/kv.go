// Package kv provides the namespaced key-value store the pipeline keeps all
// durable state in: baselines, dedupe stamps, claim keys, cooldowns.
package kv

import (
	"context"
	"time"
)

// Store is the coordination contract for all pipeline state. There is no
// compare-and-swap; SetNX is the only atomic primitive, and callers treat
// claim keys built on it as best-effort mutexes backed by dedupe stamps.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put writes a value. A zero ttl means the key never expires.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit key names sharing a prefix.
	List(ctx context.Context, prefix string, limit int) ([]string, error)

	// SetNX writes the key only if absent, returning whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// DefaultListLimit bounds List calls that do not specify their own limit.
const DefaultListLimit = 1000
