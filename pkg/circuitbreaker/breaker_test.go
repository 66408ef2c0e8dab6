package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("with valid parameters", func(t *testing.T) {
		breaker := New(5, 30*time.Second)
		assert.Equal(t, 5, breaker.threshold)
		assert.Equal(t, 30*time.Second, breaker.cooldown)
		assert.False(t, breaker.open)
		assert.Equal(t, 0, breaker.failures)
	})

	t.Run("with zero values uses defaults", func(t *testing.T) {
		breaker := New(0, 0)
		assert.Equal(t, 5, breaker.threshold)
		assert.Equal(t, 30*time.Second, breaker.cooldown)
	})

	t.Run("with negative values uses defaults", func(t *testing.T) {
		breaker := New(-1, -1*time.Second)
		assert.Equal(t, 5, breaker.threshold)
		assert.Equal(t, 30*time.Second, breaker.cooldown)
	})
}

func TestBreaker_Open(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	breaker := New(3, time.Minute)
	breaker.now = func() time.Time { return now }

	t.Run("starts closed", func(t *testing.T) {
		assert.False(t, breaker.Open())
	})

	t.Run("stays closed under threshold", func(t *testing.T) {
		breaker.RecordFailure()
		breaker.RecordFailure()
		assert.False(t, breaker.Open())
	})

	t.Run("opens when threshold reached", func(t *testing.T) {
		breaker.RecordFailure()
		assert.True(t, breaker.Open())
	})

	t.Run("stays open during cooldown", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		assert.True(t, breaker.Open())
	})

	t.Run("closes after cooldown", func(t *testing.T) {
		now = now.Add(31 * time.Second)
		assert.False(t, breaker.Open())

		open, failures := breaker.State()
		assert.False(t, open)
		assert.Equal(t, 0, failures)
	})
}

func TestBreaker_RecordSuccess(t *testing.T) {
	breaker := New(3, time.Minute)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.False(t, breaker.Open(), "success should have reset the failure run")
}

func TestBreaker_Reset(t *testing.T) {
	breaker := New(2, time.Hour)

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.True(t, breaker.Open())

	breaker.Reset()
	assert.False(t, breaker.Open())
}

func TestManager(t *testing.T) {
	t.Run("creates breakers on demand", func(t *testing.T) {
		manager := NewManager(2, time.Minute)

		manager.RecordFailure("openai")
		manager.RecordFailure("openai")

		assert.True(t, manager.Open("openai"))
		assert.False(t, manager.Open("anthropic"), "other upstreams stay closed")
	})

	t.Run("returns the same breaker per name", func(t *testing.T) {
		manager := NewManager(2, time.Minute)
		assert.Same(t, manager.Get("google"), manager.Get("google"))
	})

	t.Run("reset all closes every circuit", func(t *testing.T) {
		manager := NewManager(1, time.Hour)
		manager.RecordFailure("openai")
		manager.RecordFailure("google")

		manager.ResetAll()

		assert.False(t, manager.Open("openai"))
		assert.False(t, manager.Open("google"))
	})

	t.Run("states reports every breaker", func(t *testing.T) {
		manager := NewManager(3, time.Minute)
		manager.RecordFailure("openai")
		manager.RecordSuccess("anthropic")

		states := manager.States()
		assert.Len(t, states, 2)
		assert.Equal(t, false, states["openai"]["open"])
		assert.Equal(t, 1, states["openai"]["failures"])
	})

	t.Run("concurrent access", func(t *testing.T) {
		manager := NewManager(100, time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				name := fmt.Sprintf("upstream-%d", n%3)
				for j := 0; j < 50; j++ {
					manager.RecordFailure(name)
					manager.Open(name)
					manager.RecordSuccess(name)
				}
			}(i)
		}
		wg.Wait()

		for name := range manager.States() {
			assert.False(t, manager.Open(name))
		}
	})
}
