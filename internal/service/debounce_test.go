package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerKeysAreIndependent(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()
	var a, b atomic.Int32

	d.Trigger("a", 10*time.Millisecond, func() { a.Add(1) })
	d.Trigger("b", 10*time.Millisecond, func() { b.Add(1) })
	d.Trigger("a", 10*time.Millisecond, func() { a.Add(1) })

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestDebouncerRunsLatestFunction(t *testing.T) {
	d := NewDebouncer()
	defer d.Stop()
	var got atomic.Int32

	for i := int32(1); i <= 3; i++ {
		v := i
		d.Trigger("k", 15*time.Millisecond, func() { got.Store(v) })
	}
	require.Eventually(t, func() bool { return got.Load() != 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(3), got.Load())
}

func TestDebouncerCancelAndStop(t *testing.T) {
	d := NewDebouncer()
	var runs atomic.Int32

	d.Trigger("k", 10*time.Millisecond, func() { runs.Add(1) })
	assert.True(t, d.Cancel("k"))
	assert.False(t, d.Cancel("k"))

	d.Trigger("j", 10*time.Millisecond, func() { runs.Add(1) })
	d.Stop()
	d.Trigger("j", 10*time.Millisecond, func() { runs.Add(1) })
	assert.Equal(t, 0, d.Pending())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}
