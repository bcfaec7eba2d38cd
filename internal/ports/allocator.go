// Package ports manages the pool of TCP ports that backing instance
// processes bind to.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/metrics"
)

var (
	// ErrPoolExhausted is returned when every port in the range is in use.
	// It is a capacity signal; callers should not retry in a loop.
	ErrPoolExhausted = errors.New("port pool exhausted")
	// ErrInvalidRange is returned by New for an empty or out-of-bounds range.
	ErrInvalidRange = errors.New("invalid port range")
)

// PortSource lists the ports held by active instances in the store of record.
type PortSource interface {
	ListActivePorts(ctx context.Context) ([]int, error)
}

// PortRange is the allocator's introspection snapshot.
type PortRange struct {
	Start     int
	End       int
	Total     int
	Used      int
	Available int
}

// Allocator tracks which ports in [start, end] are in use.
// The store is the source of truth; the in-memory set is rebuilt by Initialize.
type Allocator struct {
	start  int
	end    int
	source PortSource

	mu   sync.Mutex
	used map[int]struct{}
	next int
}

// New creates an allocator for the inclusive range [start, end].
func New(start, end int, source PortSource) (*Allocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}
	return &Allocator{
		start:  start,
		end:    end,
		source: source,
		used:   make(map[int]struct{}),
		next:   start,
	}, nil
}

// Initialize replaces the in-memory state with the ports of all active
// instances in the store. The store is read before the lock is taken; on
// error the previous state is kept and the error is returned.
func (a *Allocator) Initialize(ctx context.Context) error {
	if a.source == nil {
		return errors.New("port allocator has no port source")
	}

	active, err := a.source.ListActivePorts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active ports: %w", err)
	}

	seeded := make(map[int]struct{}, len(active))
	for _, p := range active {
		if !a.inRange(p) {
			logger.WithFields(map[string]interface{}{
				"port":  p,
				"start": a.start,
				"end":   a.end,
			}).Warn("Active instance holds a port outside the configured range; ignoring")
			continue
		}
		if _, dup := seeded[p]; dup {
			logger.WithField("port", p).Error("Port assigned to more than one active instance")
		}
		seeded[p] = struct{}{}
	}

	a.mu.Lock()
	a.used = seeded
	a.next = a.start
	a.publish()
	a.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"used":  len(seeded),
		"start": a.start,
		"end":   a.end,
	}).Info("Port allocator initialized from store")
	return nil
}

// GetAvailablePort marks the next free port as used and returns it.
// The scan starts after the most recently allocated port so that a port
// released a moment ago is not handed out again straight away.
func (a *Allocator) GetAvailablePort() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.end - a.start + 1
	if len(a.used) >= total {
		return 0, ErrPoolExhausted
	}

	p := a.next
	for i := 0; i < total; i++ {
		if _, taken := a.used[p]; !taken {
			a.used[p] = struct{}{}
			a.publish()
			a.next = p + 1
			if a.next > a.end {
				a.next = a.start
			}
			return p, nil
		}
		p++
		if p > a.end {
			p = a.start
		}
	}
	return 0, ErrPoolExhausted
}

// ReservePort marks a specific port as used. It returns false if the port is
// already used or outside the range.
func (a *Allocator) ReservePort(port int) bool {
	if !a.inRange(port) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[port]; taken {
		return false
	}
	a.used[port] = struct{}{}
	a.publish()
	return true
}

// ReleasePort frees a port. Releasing a free or unknown port is a no-op.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.publish()
	a.mu.Unlock()
}

// IsPortAvailable reports whether the port is in range and not in use.
func (a *Allocator) IsPortAvailable(port int) bool {
	if !a.inRange(port) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.used[port]
	return !taken
}

// UsedPorts returns the used ports in ascending order.
func (a *Allocator) UsedPorts() []int {
	a.mu.Lock()
	out := make([]int, 0, len(a.used))
	for p := range a.used {
		out = append(out, p)
	}
	a.mu.Unlock()

	sort.Ints(out)
	return out
}

// Range returns the size and occupancy of the pool.
func (a *Allocator) Range() PortRange {
	a.mu.Lock()
	used := len(a.used)
	a.mu.Unlock()

	total := a.end - a.start + 1
	return PortRange{
		Start:     a.start,
		End:       a.end,
		Total:     total,
		Used:      used,
		Available: total - used,
	}
}

// publish must be called with mu held.
func (a *Allocator) publish() {
	metrics.PortsInUse.Set(float64(len(a.used)))
}

func (a *Allocator) inRange(port int) bool {
	return port >= a.start && port <= a.end
}

// ProbeBindable reports whether nothing else on the host is listening on
// the port. The allocator only knows about ports it handed out; a foreign
// process can still hold one.
func ProbeBindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
