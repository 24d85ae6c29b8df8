package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleAtFires(t *testing.T) {
	w := New()
	var fired int32

	w.ScheduleAt("k1", time.Now().Add(10*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	assert.Equal(t, 1, w.Len())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, w.Len())
}

func TestScheduleAtReArmIsIdempotent(t *testing.T) {
	w := New()
	var fired int32

	w.ScheduleAt("k1", time.Now().Add(10*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	// Re-arm the same key further out before it fires; only the second
	// callback should ever run.
	w.ScheduleAt("k1", time.Now().Add(40*time.Millisecond), func() {
		atomic.AddInt32(&fired, 10)
	})
	assert.Equal(t, 1, w.Len())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(10), atomic.LoadInt32(&fired))
}

func TestCancelPreventsFire(t *testing.T) {
	w := New()
	var fired int32

	w.ScheduleAt("k1", time.Now().Add(10*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	w.Cancel("k1")
	assert.Equal(t, 0, w.Len())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestCancelUnknownKeyIsNoop(t *testing.T) {
	w := New()
	w.Cancel("does-not-exist")
	assert.Equal(t, 0, w.Len())
}

func TestIndependentKeysFireIndependently(t *testing.T) {
	w := New()
	var a, b int32

	w.ScheduleAt("a", time.Now().Add(10*time.Millisecond), func() { atomic.AddInt32(&a, 1) })
	w.ScheduleAt("b", time.Now().Add(10*time.Millisecond), func() { atomic.AddInt32(&b, 1) })
	assert.Equal(t, 2, w.Len())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
	assert.Equal(t, 0, w.Len())
}
