package evloop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	b, err := New()
	require.NoError(t, err)
	t.Cleanup(b.Free)
	return b
}

func testSocketpair(t *testing.T) (int, int) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	unix.SetNonblock(pair[0], true)
	unix.SetNonblock(pair[1], true)
	t.Cleanup(func() {
		unix.Close(pair[0])
		unix.Close(pair[1])
	})
	return pair[0], pair[1]
}

func TestNoEvents(t *testing.T) {
	b := newTestBase(t)
	assert.ErrorIs(t, b.Loop(0), ErrNoEvents)
}

func TestPureTimer(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var got EventMask
	var ev Event
	ev.Assign(-1, 0, func(_ int, what EventMask, _ any) {
		fired++
		got = what
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.AddTimeout(50*time.Millisecond))

	start := time.Now()
	require.NoError(t, b.Loop(LoopOnce))

	assert.Equal(t, 1, fired)
	assert.Equal(t, EvTimeout, got)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Equal(t, 0, b.timeHeap.Len())
	assert.Equal(t, 0, b.eventCount)
}

func TestLoopExit(t *testing.T) {
	b := newTestBase(t)

	start := time.Now()
	require.NoError(t, b.LoopExit(50*time.Millisecond))
	require.NoError(t, b.Loop(0))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPriorityStarvation(t *testing.T) {
	b := newTestBase(t)
	require.NoError(t, b.PriorityInit(2))

	var count0, count1 int
	var ev0, ev1 Event

	ev0.Assign(-1, 0, func(int, EventMask, any) {
		count0++
		ev0.AddTimeout(0)
	}, nil)
	require.NoError(t, ev0.SetBase(b))
	require.NoError(t, ev0.SetPriority(0))
	require.NoError(t, ev0.AddTimeout(0))

	ev1.Assign(-1, 0, func(int, EventMask, any) {
		count1++
	}, nil)
	require.NoError(t, ev1.SetBase(b))
	require.NoError(t, ev1.SetPriority(1))
	require.NoError(t, ev1.AddTimeout(0))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Loop(LoopOnce))
	}

	// documented starvation: the self-rescheduling pri-0 event keeps the
	// pri-1 queue from ever running
	assert.Equal(t, 10, count0)
	assert.Equal(t, 0, count1)

	require.NoError(t, ev0.Del())
	require.NoError(t, ev1.Del())
}

func TestSelfDeleteInCallback(t *testing.T) {
	b := newTestBase(t)
	r, w := testSocketpair(t)

	var fired int
	var ev Event
	ev.Assign(r, EvRead, func(int, EventMask, any) {
		fired++
		ev.Del()
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Add())
	assert.Equal(t, 1, b.eventCount)

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	require.NoError(t, b.Loop(LoopOnce))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, b.eventCount)

	// nothing left to run
	assert.ErrorIs(t, b.Loop(LoopNonblock), ErrNoEvents)
}

func TestRearmDuringCallback(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var ev Event
	ev.Assign(-1, EvPersist, func(int, EventMask, any) {
		fired++
		ev.AddTimeout(5 * time.Millisecond)
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.AddTimeout(5*time.Millisecond))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Loop(LoopOnce))
		assert.Equal(t, 1, b.timeHeap.Len())
	}
	assert.Equal(t, 3, fired)

	require.NoError(t, ev.Del())
	assert.Equal(t, 0, b.timeHeap.Len())
}

func TestClockJumpBack(t *testing.T) {
	b := newTestBase(t)
	b.useMonotonic = false
	fake := int64(72 * time.Hour)
	b.wallClock = func() int64 { return fake }
	b.eventTv = fake

	var fired int
	var ev Event
	ev.Assign(-1, 0, func(int, EventMask, any) {
		fired++
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.AddTimeout(100*time.Millisecond))

	// the user drags the wall clock back a full second
	fake -= int64(time.Second)
	b.timeoutCorrect()
	assert.Equal(t, int64(100*time.Millisecond), ev.deadline-b.gettime())

	// 100ms of corrected time later the timer fires, not 1.1s later
	fake += int64(100 * time.Millisecond)
	require.NoError(t, b.Loop(LoopOnce))
	assert.Equal(t, 1, fired)
}

func TestBreakMidDrain(t *testing.T) {
	b := newTestBase(t)

	var ran []string
	var evA, evB Event
	evA.Assign(-1, 0, func(int, EventMask, any) {
		ran = append(ran, "a")
		b.LoopBreak()
	}, nil)
	evB.Assign(-1, 0, func(int, EventMask, any) {
		ran = append(ran, "b")
	}, nil)
	require.NoError(t, evA.SetBase(b))
	require.NoError(t, evB.SetBase(b))

	evA.Activate(EvRead, 1)
	evB.Activate(EvRead, 1)

	require.NoError(t, b.Loop(0))
	assert.Equal(t, []string{"a"}, ran)
	assert.Equal(t, EvRead, evB.Pending(EvRead))

	// the survivor runs on the next dispatch
	err := b.Loop(LoopNonblock)
	assert.ErrorIs(t, err, ErrNoEvents)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestOnce(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var gotArg any
	require.NoError(t, b.Once(-1, EvTimeout, func(_ int, _ EventMask, arg any) {
		fired++
		gotArg = arg
	}, "payload", 10*time.Millisecond))

	require.NoError(t, b.Loop(LoopOnce))
	assert.Equal(t, 1, fired)
	assert.Equal(t, "payload", gotArg)
	assert.Equal(t, 0, b.eventCount)

	assert.ErrorIs(t,
		b.Once(int(unix.SIGUSR1), EvSignal, func(int, EventMask, any) {}, nil, 0),
		ErrSignalOnce)
	assert.ErrorIs(t,
		b.Once(-1, EvPersist, func(int, EventMask, any) {}, nil, 0),
		ErrBadMask)
}

func TestOnceRead(t *testing.T) {
	b := newTestBase(t)
	r, w := testSocketpair(t)

	var fired int
	require.NoError(t, b.Once(r, EvRead, func(int, EventMask, any) {
		fired++
	}, nil, -1))

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)
	require.NoError(t, b.Loop(LoopOnce))
	assert.Equal(t, 1, fired)

	// fires at most once: the internal event is gone
	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Loop(LoopNonblock), ErrNoEvents)
	assert.Equal(t, 1, fired)
}

func TestPriorities(t *testing.T) {
	b := newTestBase(t)
	require.NoError(t, b.PriorityInit(4))

	var ev Event
	ev.Assign(-1, 0, func(int, EventMask, any) {}, nil)
	require.NoError(t, ev.SetBase(b))
	assert.Equal(t, 2, ev.pri)

	assert.ErrorIs(t, ev.SetPriority(4), ErrBadPriority)
	assert.ErrorIs(t, ev.SetPriority(-1), ErrBadPriority)
	require.NoError(t, ev.SetPriority(3))

	ev.Activate(EvRead, 1)
	assert.ErrorIs(t, ev.SetPriority(1), ErrActive)
	assert.ErrorIs(t, b.PriorityInit(2), ErrActive)

	assert.ErrorIs(t, b.Loop(LoopNonblock), ErrNoEvents)
	require.NoError(t, b.PriorityInit(2))
}

func TestSignalCallbackAbort(t *testing.T) {
	b := newTestBase(t)
	b.SetSignalCallback(func() error { return errors.New("boom") })
	atomic.StoreInt32(&b.gotsig, 1)

	var ev Event
	ev.Assign(-1, 0, func(int, EventMask, any) {}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.AddTimeout(time.Hour))

	assert.ErrorIs(t, b.Loop(LoopNonblock), ErrInterrupted)

	// the loop stays usable
	require.NoError(t, ev.Del())
	b.SetSignalCallback(nil)
	assert.ErrorIs(t, b.Loop(LoopNonblock), ErrNoEvents)
}
