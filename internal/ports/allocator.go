// Package ports leases TCP ports from a fixed range to deployments.
package ports

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Lease pairs a port with the deployment holding it.
type Lease struct {
	Port       int       `json:"port"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type noPortError struct{ start, end int }

func (e noPortError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.start, e.end)
}

// IsNoPortAvailable reports whether err means the range is exhausted.
func IsNoPortAvailable(err error) bool {
	_, ok := err.(noPortError)
	return ok
}

// ProbeFunc reports whether host:port can currently be bound.
type ProbeFunc func(host string, port int) bool

// Allocator hands out ports in [start, end]. All methods are safe for concurrent use.
type Allocator struct {
	host       string
	start, end int
	probe      ProbeFunc

	mu     sync.Mutex
	leases map[int]Lease
	owners map[string]int
}

// New returns an allocator for the inclusive range [start, end] on host.
func New(host string, start, end int) (*Allocator, error) {
	if start <= 0 || end > 65535 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &Allocator{
		host:   host,
		start:  start,
		end:    end,
		probe:  bindProbe,
		leases: make(map[int]Lease),
		owners: make(map[string]int),
	}, nil
}

// SetProbe replaces the external-occupancy probe. nil restores the bind probe.
func (a *Allocator) SetProbe(p ProbeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p == nil {
		p = bindProbe
	}
	a.probe = p
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) { return a.start, a.end }

// Host returns the host ports are probed and leased on.
func (a *Allocator) Host() string { return a.host }

// InRange reports whether port lies inside the configured range.
func (a *Allocator) InRange(port int) bool { return port >= a.start && port <= a.end }

// Acquire leases a free port to owner, starting the scan at preferred when it
// is inside the range. An owner that already holds a lease gets it back.
func (a *Allocator) Acquire(owner string, preferred int) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.owners[owner]; ok {
		return a.leases[p], nil
	}
	first := a.start
	if a.InRange(preferred) {
		first = preferred
	}
	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		p := a.start + (first-a.start+i)%size
		if _, taken := a.leases[p]; taken {
			continue
		}
		if !a.probe(a.host, p) {
			continue
		}
		l := Lease{Port: p, Owner: owner, AcquiredAt: time.Now()}
		a.leases[p] = l
		a.owners[owner] = p
		leasedPorts.Set(float64(len(a.leases)))
		return l, nil
	}
	return Lease{}, noPortError{start: a.start, end: a.end}
}

// Reserve records an existing binding, such as a worker adopted after a
// restart. It skips the bind probe because the port is expected to be busy.
func (a *Allocator) Reserve(owner string, port int) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.InRange(port) {
		return Lease{}, fmt.Errorf("port %d outside range %d-%d", port, a.start, a.end)
	}
	if l, ok := a.leases[port]; ok {
		if l.Owner == owner {
			return l, nil
		}
		return Lease{}, fmt.Errorf("port %d already leased to %s", port, l.Owner)
	}
	if _, ok := a.owners[owner]; ok {
		return Lease{}, fmt.Errorf("owner %s already holds a lease", owner)
	}
	l := Lease{Port: port, Owner: owner, AcquiredAt: time.Now()}
	a.leases[port] = l
	a.owners[owner] = port
	leasedPorts.Set(float64(len(a.leases)))
	return l, nil
}

// Release returns l's port to the pool. It is a no-op when the lease is no
// longer current, so repeated releases are harmless and a stale lease never
// frees a port re-leased to someone else.
func (a *Allocator) Release(l Lease) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.leases[l.Port]
	if !ok || cur.Owner != l.Owner {
		return false
	}
	delete(a.leases, l.Port)
	delete(a.owners, l.Owner)
	leasedPorts.Set(float64(len(a.leases)))
	return true
}

// ReleaseOwner releases whatever lease owner holds.
func (a *Allocator) ReleaseOwner(owner string) bool {
	a.mu.Lock()
	p, ok := a.owners[owner]
	a.mu.Unlock()
	if !ok {
		return false
	}
	return a.Release(Lease{Port: p, Owner: owner})
}

// LeaseOf returns the lease held by owner, if any.
func (a *Allocator) LeaseOf(owner string) (Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.owners[owner]
	if !ok {
		return Lease{}, false
	}
	return a.leases[p], true
}

// Leased returns a copy of all current leases ordered by port.
func (a *Allocator) Leased() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Lease, 0, len(a.leases))
	for p := a.start; p <= a.end && len(out) < len(a.leases); p++ {
		if l, ok := a.leases[p]; ok {
			out = append(out, l)
		}
	}
	return out
}

func bindProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
