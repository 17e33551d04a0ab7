// internal/payload/registry_test.go
package payload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestRegistry_RecordConsumeOnce(t *testing.T) {
	r := NewRegistry(0, zaptest.NewLogger(t))

	id := r.Record(`{"q":"search"}`)
	_, err := uuid.Parse(id)
	require.NoError(t, err, "ids are random UUIDs")

	body, ok := r.Consume(id)
	require.True(t, ok)
	assert.Equal(t, `{"q":"search"}`, body)

	_, ok = r.Consume(id)
	assert.False(t, ok, "second consume must signal absence")
	assert.Zero(t, r.Len())
}

func TestRegistry_UnknownID(t *testing.T) {
	r := NewRegistry(0, nil)
	_, ok := r.Consume("does-not-exist")
	assert.False(t, ok)
}

func TestRegistry_EmptyBodyIsStillPresent(t *testing.T) {
	r := NewRegistry(0, nil)
	id := r.Record("")

	body, ok := r.Consume(id)
	assert.True(t, ok)
	assert.Empty(t, body)
}

func TestRegistry_IDsAreUnique(t *testing.T) {
	r := NewRegistry(0, nil)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := r.Record("x")
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.Equal(t, 1000, r.Len())

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestRegistry_ConcurrentRecordConsume(t *testing.T) {
	r := NewRegistry(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Record("body")
			body, ok := r.Consume(id)
			assert.True(t, ok)
			assert.Equal(t, "body", body)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}

func TestRegistry_Sweep(t *testing.T) {
	t.Run("disabled without ttl", func(t *testing.T) {
		r := NewRegistry(0, nil)
		r.Record("a")
		assert.Zero(t, r.Sweep(time.Now().Add(24*time.Hour)))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("removes only stale entries", func(t *testing.T) {
		r := NewRegistry(time.Minute, nil)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		r.now = func() time.Time { return base }
		stale := r.Record("old")
		r.now = func() time.Time { return base.Add(50 * time.Second) }
		fresh := r.Record("new")

		removed := r.Sweep(base.Add(90 * time.Second))
		assert.Equal(t, 1, removed)

		_, ok := r.Consume(stale)
		assert.False(t, ok)
		body, ok := r.Consume(fresh)
		assert.True(t, ok)
		assert.Equal(t, "new", body)
	})
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(time.Millisecond, zaptest.NewLogger(t))
	r.Record("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
