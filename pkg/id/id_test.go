package id

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := New()
		require.True(t, Valid(v), "not a uuid: %s", v)
		require.False(t, seen[v], "duplicate id %s", v)
		seen[v] = true
	}
}

func TestSequence(t *testing.T) {
	next := Sequence("msg")
	assert.Equal(t, "msg-1", next())
	assert.Equal(t, "msg-2", next())
	assert.False(t, Valid("msg-3"))
}

func TestSequenceConcurrent(t *testing.T) {
	next := Sequence("c")
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
