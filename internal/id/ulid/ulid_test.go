package ulid

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestNewIDSequentialOrdering(t *testing.T) {
	t.Parallel()

	gen := New()
	const total = 100
	ids := make([]string, total)
	for i := range ids {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.Len(t, id, 26)
		_, err = ulid.Parse(id)
		require.NoError(t, err)
		ids[i] = id
	}
	for i := 1; i < total; i++ {
		require.Less(t, ids[i-1], ids[i])
	}
}

func TestNewIDConcurrentUniqueness(t *testing.T) {
	t.Parallel()

	gen := New()
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := gen.NewID()
				if err != nil {
					t.Errorf("NewID() error = %v", err)
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, goroutines*perGoroutine)
}
