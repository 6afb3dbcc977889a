package slm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_ReentrantAcquire(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	release1, err := lm.Acquire(context.Background(), 1, "worker", time.Second)
	require.NoError(t, err)

	release2, err := lm.Acquire(context.Background(), 1, "worker", time.Second)
	require.NoError(t, err, "same thread must be able to reenter its own lock")

	release2()
	release1()
}

func TestLockManager_DifferentThreadsMutuallyExclude(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	release, err := lm.Acquire(context.Background(), 1, "worker", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(context.Background(), 1, "background", 50*time.Millisecond)
	assert.Error(t, err, "a different thread must not be able to acquire a held lock before timeout")

	release()
	release2, err := lm.Acquire(context.Background(), 1, "background", time.Second)
	require.NoError(t, err)
	release2()
}

func TestLockManager_ConcurrentAccessAllCompleteNoneCorrupt(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	var wg sync.WaitGroup
	var successes atomic.Int64

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := lm.Acquire(context.Background(), 42, fmt.Sprintf("t%d", n), 2*time.Second)
			if err != nil {
				return
			}
			defer release()
			tr := lm.GetTracking(42)
			tr.EmergencyEnforcementCount++
			lm.PutTracking(tr)
			successes.Add(1)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(5), successes.Load())
	assert.Equal(t, 5, lm.GetTracking(42).EmergencyEnforcementCount)
}

func TestLockManager_TrackingPersistsAcrossAcquires(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	release, err := lm.Acquire(context.Background(), 7, "worker", time.Second)
	require.NoError(t, err)
	tr := lm.GetTracking(7)
	tr.LastEffectiveSLUSD = 0.5
	lm.PutTracking(tr)
	release()

	got := lm.GetTracking(7)
	assert.Equal(t, 0.5, got.LastEffectiveSLUSD)
}

func TestLockManager_SweepStaleLocksReclaimsAbandonedLock(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil)
	release, err := lm.Acquire(context.Background(), 5, "stuck-thread", time.Second)
	require.NoError(t, err)
	_ = release // simulate a thread that dies without calling release

	time.Sleep(30 * time.Millisecond)
	lm.SweepStaleLocks()

	got, err := lm.Acquire(context.Background(), 5, "fresh-thread", 50*time.Millisecond)
	require.NoError(t, err, "a stale lock must be reclaimable after the sweep")
	got()
}

func TestLockManager_SweepStaleLocksLeavesFreshLockAlone(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	release, err := lm.Acquire(context.Background(), 6, "worker", time.Second)
	require.NoError(t, err)

	lm.SweepStaleLocks()

	_, err = lm.Acquire(context.Background(), 6, "other", 20*time.Millisecond)
	assert.Error(t, err, "a fresh lock must not be reclaimed by the sweep")
	release()
}

func TestLockManager_ForgetClearsState(t *testing.T) {
	lm := NewLockManager(time.Minute, nil)
	tr := lm.GetTracking(9)
	tr.LastEffectiveSLUSD = 1.0
	lm.PutTracking(tr)

	lm.Forget(9)
	got := lm.GetTracking(9)
	assert.Equal(t, 0.0, got.LastEffectiveSLUSD)
}
