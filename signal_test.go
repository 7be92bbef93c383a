package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSignalEvent(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var got EventMask
	var ev Event
	ev.Assign(int(unix.SIGUSR1), EvSignal|EvPersist, func(_ int, what EventMask, _ any) {
		fired++
		got = what
		b.LoopBreak()
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Add())
	assert.Equal(t, 1, b.eventCount)

	go func() {
		time.Sleep(20 * time.Millisecond)
		unix.Kill(unix.Getpid(), unix.SIGUSR1)
	}()

	require.NoError(t, b.Loop(0))
	assert.Equal(t, 1, fired)
	assert.Equal(t, EvSignal, got)

	require.NoError(t, ev.Del())
	assert.Equal(t, 0, b.eventCount)
}

func TestSignalPersistRefires(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var ev Event
	ev.Assign(int(unix.SIGUSR2), EvSignal|EvPersist, func(int, EventMask, any) {
		fired++
		b.LoopBreak()
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Add())

	for i := 1; i <= 2; i++ {
		go func() {
			time.Sleep(20 * time.Millisecond)
			unix.Kill(unix.Getpid(), unix.SIGUSR2)
		}()
		require.NoError(t, b.Loop(0))
		assert.Equal(t, i, fired)
	}

	require.NoError(t, ev.Del())
}

func TestReinit(t *testing.T) {
	b := newTestBase(t)
	r, w := testSocketpair(t)

	var fired int
	var ev Event
	ev.Assign(r, EvRead|EvPersist, func(int, EventMask, any) {
		fired++
		b.LoopBreak()
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Add())

	require.NoError(t, b.Reinit())

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)
	require.NoError(t, b.Loop(0))
	assert.Equal(t, 1, fired)

	require.NoError(t, ev.Del())
}

func TestReinitKeepsSignalSubscription(t *testing.T) {
	b := newTestBase(t)

	var fired int
	var ev Event
	ev.Assign(int(unix.SIGUSR1), EvSignal|EvPersist, func(int, EventMask, any) {
		fired++
		b.LoopBreak()
	}, nil)
	require.NoError(t, ev.SetBase(b))
	require.NoError(t, ev.Add())

	// the socketpair is torn down and rebuilt; the subscription survives
	require.NoError(t, b.Reinit())

	go func() {
		time.Sleep(20 * time.Millisecond)
		unix.Kill(unix.Getpid(), unix.SIGUSR1)
	}()
	require.NoError(t, b.Loop(0))
	assert.Equal(t, 1, fired)

	require.NoError(t, ev.Del())
}
