package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter() (*atomic.Int32, Handler) {
	var n atomic.Int32
	return &n, func(context.Context) { n.Add(1) }
}

func TestArmFiresOnce(t *testing.T) {
	s := New(nil)
	defer s.Close()
	fired, fn := counter()

	s.Arm("r1", BatchExpiry, 5*time.Millisecond, fn)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
	assert.False(t, s.Pending("r1", BatchExpiry))
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New(nil)
	defer s.Close()
	fired, fn := counter()

	s.Arm("r1", BatchExpiry, 20*time.Millisecond, fn)
	assert.True(t, s.Cancel("r1", BatchExpiry))
	assert.False(t, s.Cancel("r1", BatchExpiry))
	assert.False(t, s.Cancel("missing", DriverArrival))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestCancelAfterFireDoesNotRefire(t *testing.T) {
	s := New(nil)
	defer s.Close()
	fired, fn := counter()

	s.Arm("r1", BatchExpiry, time.Millisecond, fn)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Cancel("r1", BatchExpiry))
	assert.False(t, s.Cancel("r1", BatchExpiry))
	assert.EqualValues(t, 1, fired.Load())
}

func TestRearmReplacesPreviousTimer(t *testing.T) {
	s := New(nil)
	defer s.Close()
	var first, second atomic.Int32

	s.Arm("r1", BatchExpiry, 10*time.Millisecond, func(context.Context) { first.Add(1) })
	s.Arm("r1", BatchExpiry, 15*time.Millisecond, func(context.Context) { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, first.Load())
}

func TestPurposesAreIndependent(t *testing.T) {
	s := New(nil)
	defer s.Close()
	_, fn := counter()

	s.Arm("r1", BatchExpiry, time.Hour, fn)
	s.Arm("r1", DriverArrival, time.Hour, fn)
	s.Arm("r2", BatchExpiry, time.Hour, fn)
	assert.Equal(t, 3, s.Len())

	s.Cancel("r1", BatchExpiry)
	assert.True(t, s.Pending("r1", DriverArrival))

	s.CancelAll("r1")
	assert.False(t, s.Pending("r1", DriverArrival))
	assert.True(t, s.Pending("r2", BatchExpiry))
}

func TestConcurrentCancelAndFireNeverDoubleFires(t *testing.T) {
	s := New(nil)
	defer s.Close()

	for i := 0; i < 200; i++ {
		fired, fn := counter()
		s.Arm("race", BatchExpiry, time.Millisecond, fn)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Millisecond)
				s.Cancel("race", BatchExpiry)
			}()
		}
		wg.Wait()
		time.Sleep(2 * time.Millisecond)
		assert.LessOrEqual(t, fired.Load(), int32(1))
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	s := New(nil)
	defer s.Close()
	fired, fn := counter()

	s.Arm("r1", BatchExpiry, time.Millisecond, func(context.Context) { panic("boom") })
	s.Arm("r2", BatchExpiry, 5*time.Millisecond, fn)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCloseStopsTimersAndCancelsContext(t *testing.T) {
	s := New(nil)
	fired, fn := counter()
	s.Arm("r1", BatchExpiry, 10*time.Millisecond, fn)

	started := make(chan struct{})
	done := make(chan error, 1)
	s.Arm("r2", BatchExpiry, time.Millisecond, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	})
	<-started
	s.Close()

	assert.ErrorIs(t, <-done, context.Canceled)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())

	s.Arm("r3", BatchExpiry, time.Millisecond, fn)
	assert.Equal(t, 0, s.Len())
}
