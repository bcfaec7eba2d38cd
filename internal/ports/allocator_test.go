package ports

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	ports []int
	err   error
	calls int
}

func (f *fakeSource) ListActivePorts(ctx context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]int(nil), f.ports...), nil
}

func init() {
	logger.SetOutput(io.Discard)
}

func newAllocator(t *testing.T, start, end int, src PortSource) *Allocator {
	t.Helper()
	a, err := New(start, end, src)
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"inverted", 50000, 49000},
		{"zero start", 0, 10},
		{"beyond max", 65000, 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.start, tt.end, nil)
			assert.ErrorIs(t, err, ErrInvalidRange)
		})
	}
}

// Allocating 5 ports from an empty pool of ten leaves five available.
func TestGetAvailablePortFromEmptyPool(t *testing.T) {
	a := newAllocator(t, 49160, 49169, &fakeSource{})

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		p, err := a.GetAvailablePort()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, 49160)
		assert.LessOrEqual(t, p, 49169)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}

	r := a.Range()
	assert.Equal(t, PortRange{Start: 49160, End: 49169, Total: 10, Used: 5, Available: 5}, r)
}

func TestGetAvailablePortExhaustion(t *testing.T) {
	a := newAllocator(t, 40000, 40002, &fakeSource{})
	for i := 0; i < 3; i++ {
		_, err := a.GetAvailablePort()
		require.NoError(t, err)
	}

	_, err := a.GetAvailablePort()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	a.ReleasePort(40001)
	p, err := a.GetAvailablePort()
	require.NoError(t, err)
	assert.Equal(t, 40001, p)
}

func TestGetAvailablePortSkipsRecentlyReleased(t *testing.T) {
	a := newAllocator(t, 40000, 40009, &fakeSource{})
	first, err := a.GetAvailablePort()
	require.NoError(t, err)
	a.ReleasePort(first)

	second, err := a.GetAvailablePort()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReservePort(t *testing.T) {
	a := newAllocator(t, 40000, 40009, &fakeSource{})

	assert.True(t, a.ReservePort(40005))
	assert.False(t, a.ReservePort(40005), "second reservation must fail")
	assert.False(t, a.ReservePort(39999), "out of range")
	assert.False(t, a.IsPortAvailable(40005))

	// Allocation never hands out a reserved port.
	for i := 0; i < 9; i++ {
		p, err := a.GetAvailablePort()
		require.NoError(t, err)
		assert.NotEqual(t, 40005, p)
	}
	_, err := a.GetAvailablePort()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestReleasePortIsIdempotent(t *testing.T) {
	a := newAllocator(t, 40000, 40009, &fakeSource{})
	require.True(t, a.ReservePort(40003))

	a.ReleasePort(40003)
	a.ReleasePort(40003)
	a.ReleasePort(40007) // never allocated
	a.ReleasePort(1)     // out of range

	assert.Empty(t, a.UsedPorts())
	assert.True(t, a.IsPortAvailable(40003))
	assert.Equal(t, 10, a.Range().Available)
}

func TestConcurrentAllocationNeverDoubleAssigns(t *testing.T) {
	a := newAllocator(t, 41000, 41099, &fakeSource{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = make(map[int]int)
		dupes   int
	)
	claim := func(p int) {
		mu.Lock()
		holders[p]++
		if holders[p] > 1 {
			dupes++
		}
		mu.Unlock()
	}

	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if g%2 == 0 {
					if p, err := a.GetAvailablePort(); err == nil {
						claim(p)
					}
				} else {
					p := 41000 + (g*7+i*13)%100
					if a.ReservePort(p) {
						claim(p)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Zero(t, dupes, "a port was held by two callers")
	assert.Len(t, a.UsedPorts(), len(holders))
}

func TestInitializeSeedsFromStore(t *testing.T) {
	src := &fakeSource{ports: []int{40002, 40004, 50000}}
	a := newAllocator(t, 40000, 40009, src)
	require.True(t, a.ReservePort(40009))

	require.NoError(t, a.Initialize(context.Background()))

	// Stale in-memory state is cleared; out-of-range ports are ignored.
	assert.Equal(t, []int{40002, 40004}, a.UsedPorts())
	assert.True(t, a.IsPortAvailable(40009))
}

func TestInitializeIsIdempotent(t *testing.T) {
	src := &fakeSource{ports: []int{40001, 40003, 40005}}
	a := newAllocator(t, 40000, 40009, src)

	require.NoError(t, a.Initialize(context.Background()))
	first := a.UsedPorts()
	require.NoError(t, a.Initialize(context.Background()))
	second := a.UsedPorts()

	assert.Equal(t, first, second)
	assert.Equal(t, 2, src.calls)
}

func TestInitializePropagatesStoreErrors(t *testing.T) {
	src := &fakeSource{ports: []int{40001}}
	a := newAllocator(t, 40000, 40009, src)
	require.NoError(t, a.Initialize(context.Background()))

	src.err = errors.New("connection refused")
	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	// The previous view survives a failed resync.
	assert.Equal(t, []int{40001}, a.UsedPorts())
}

func TestInitializeWithoutSource(t *testing.T) {
	a := newAllocator(t, 40000, 40009, nil)
	assert.Error(t, a.Initialize(context.Background()))
}

func TestProbeBindable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	assert.False(t, ProbeBindable(port), "port held by a listener must not be bindable")
	require.NoError(t, l.Close())
	assert.True(t, ProbeBindable(port), "port should be bindable after close: "+strconv.Itoa(port))
}
