package joblock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockExcludes(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.TryLock(RegistrationQueue))
	assert.False(t, r.TryLock(RegistrationQueue))

	// Other names are independent.
	assert.True(t, r.TryLock(ReportDelivery))

	r.Unlock(RegistrationQueue)
	assert.True(t, r.TryLock(RegistrationQueue))
}

func TestUnlockUnheldIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Unlock(Cleanup)
	assert.True(t, r.TryLock(Cleanup))
}

func TestRunWithLockSkipsWhenHeld(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.TryLock(RegistrationQueue))

	ran, err := r.RunWithLock(context.Background(), RegistrationQueue, func(context.Context) error {
		t.Fatal("job ran under a held lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunWithLockReleasesAfterError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")

	ran, err := r.RunWithLock(context.Background(), RegistrationQueue, func(context.Context) error {
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	assert.True(t, r.TryLock(RegistrationQueue))
}

func TestRunWithLockSingleWinner(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RunWithLock(context.Background(), RegistrationQueue, func(context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning)
}
