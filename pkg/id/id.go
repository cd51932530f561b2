// Package id generates identities for messages, threads, and conversations.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new unique identifier on every call.
type Generator func() string

// New returns a random (v4) UUID string. Collision probability is negligible,
// so callers never check for duplicates.
func New() string {
	return uuid.New().String()
}

// Sequence returns a deterministic generator yielding prefix-1, prefix-2, ...
// Safe for concurrent use. Intended for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
