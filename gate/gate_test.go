package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryReserveBoundedByMax(t *testing.T) {
	g := New(2)

	require.True(t, g.TryReserve())
	require.True(t, g.TryReserve())
	require.False(t, g.TryReserve())

	g.Release()
	require.True(t, g.TryReserve())
}

func TestConcurrentReservationRace(t *testing.T) {
	const max = 10
	g := New(max)

	var wg sync.WaitGroup
	var mtx sync.Mutex
	reserved := 0

	for i := 0; i < max+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryReserve() {
				mtx.Lock()
				reserved++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, max, reserved)
}

func TestResizeDownRetiresIdleSlotsImmediately(t *testing.T) {
	g := New(4)
	require.True(t, g.TryReserve())

	g.Resize(2)

	// One slot in use, ceiling now 2: exactly one more reservation
	// should succeed before the gate is full again.
	require.True(t, g.TryReserve())
	require.False(t, g.TryReserve())
}

func TestResizeDownConvergesAsSessionsRelease(t *testing.T) {
	g := New(3)
	require.True(t, g.TryReserve())
	require.True(t, g.TryReserve())
	require.True(t, g.TryReserve())

	g.Resize(1)
	require.False(t, g.TryReserve())

	g.Release()
	// Debt absorbs this release; ceiling still full at the new max.
	require.False(t, g.TryReserve())

	g.Release()
	// Second release pays off remaining debt, converging to max=1 with
	// exactly one session still in flight.
	g.Release()
	require.True(t, g.TryReserve())
}
