package room

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGraceTimers_Fires(t *testing.T) {
	g := NewGraceTimers()
	defer g.Stop()

	fired := make(chan struct{})
	g.Schedule("ABCDEF", 10*time.Millisecond, func() { close(fired) })
	assert.True(t, g.Pending("ABCDEF"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("grace action did not fire")
	}

	assert.Eventually(t, func() bool { return !g.Pending("ABCDEF") }, time.Second, 5*time.Millisecond)
}

func TestGraceTimers_CancelStopsAction(t *testing.T) {
	g := NewGraceTimers()
	defer g.Stop()

	var fired atomic.Bool
	g.Schedule("ABCDEF", 20*time.Millisecond, func() { fired.Store(true) })

	assert.True(t, g.Cancel("ABCDEF"))
	assert.False(t, g.Pending("ABCDEF"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestGraceTimers_CancelWithoutPending(t *testing.T) {
	g := NewGraceTimers()
	assert.False(t, g.Cancel("ABCDEF"))
}

func TestGraceTimers_RescheduleReplaces(t *testing.T) {
	g := NewGraceTimers()
	defer g.Stop()

	var first, second atomic.Bool
	g.Schedule("ABCDEF", 20*time.Millisecond, func() { first.Store(true) })
	g.Schedule("ABCDEF", 30*time.Millisecond, func() { second.Store(true) })

	time.Sleep(80 * time.Millisecond)
	assert.False(t, first.Load(), "replaced action must not fire")
	assert.True(t, second.Load())
}

func TestGraceTimers_StopCancelsAll(t *testing.T) {
	g := NewGraceTimers()

	var fired atomic.Int32
	g.Schedule("AAAAAA", 20*time.Millisecond, func() { fired.Add(1) })
	g.Schedule("BBBBBB", 20*time.Millisecond, func() { fired.Add(1) })
	g.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
