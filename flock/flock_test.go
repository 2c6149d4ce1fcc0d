package flock_test

import (
	"context"
	"io/ioutil"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/flock"
)

func TestLock(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "")
	require.NoError(t, err)

	lockPath := tempDir + "/lock"
	lock := flock.New(lockPath)

	// Test uncontended locks
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, lock.Lock(ctx))
		require.NoError(t, lock.Unlock())
	}

	require.NoError(t, lock.Lock(ctx))
	locked := int64(0)
	doneCh := make(chan struct{})
	go func() {
		require.NoError(t, lock.Lock(ctx))
		atomic.StoreInt64(&locked, 1)
		require.NoError(t, lock.Unlock())
		atomic.StoreInt64(&locked, 2)
		doneCh <- struct{}{}
	}()

	time.Sleep(500 * time.Millisecond)
	if atomic.LoadInt64(&locked) != 0 {
		t.Errorf("locked=%d", locked)
	}

	require.NoError(t, lock.Unlock())
	<-doneCh
	if atomic.LoadInt64(&locked) != 2 {
		t.Errorf("locked=%d", locked)
	}
}

func TestLockContext(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "")
	require.NoError(t, err)
	lockPath := tempDir + "/lock"

	lock := flock.New(lockPath)
	ctx := context.Background()
	ctx2, cancel2 := context.WithCancel(ctx)
	require.NoError(t, lock.Lock(ctx2))
	require.NoError(t, lock.Unlock())

	require.NoError(t, lock.Lock(ctx))
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel2()
	}()
	err = lock.Lock(ctx2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "context canceled")

	require.NoError(t, lock.Unlock())
	// Make sure the lock is in a sane state by cycling lock-unlock again.
	require.NoError(t, lock.Lock(ctx))
	require.NoError(t, lock.Unlock())
}
