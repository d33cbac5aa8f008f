package supervise

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PortAllocator hands out TCP ports for backend processes. It has its own
// mutex: a supervisor restart may race an adoption pass against new launches
// over the same range.
type PortAllocator struct {
	mu    sync.Mutex
	host  string
	start int
	end   int
	inUse map[int]bool
}

// NewPortAllocator allocates within [start,end] on host. start<=0 selects
// ephemeral ports via the OS instead.
func NewPortAllocator(host string, start, end int) *PortAllocator {
	if host == "" {
		host = "127.0.0.1"
	}
	return &PortAllocator{host: host, start: start, end: end, inUse: make(map[int]bool)}
}

// Allocate reserves a free port. The bind probe keeps persisted-record lies
// from handing out a port some other process took meanwhile.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.start <= 0 {
		p, err := pickEphemeral(a.host)
		if err != nil {
			return 0, err
		}
		a.inUse[p] = true
		return p, nil
	}
	for p := a.start; p <= a.end; p++ {
		if a.inUse[p] {
			continue
		}
		if !probeFree(a.host, p) {
			continue
		}
		a.inUse[p] = true
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.start, a.end)
}

// Claim reserves a specific port, failing when it is already reserved or
// bound by another process.
func (a *PortAllocator) Claim(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[port] {
		return fmt.Errorf("port %d already reserved", port)
	}
	if !probeFree(a.host, port) {
		return fmt.Errorf("port %d in use by another process", port)
	}
	a.inUse[port] = true
	return nil
}

// Adopt marks a port as reserved without probing; used when re-adopting a
// still-running backend whose port is legitimately bound.
func (a *PortAllocator) Adopt(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[port] = true
}

// Release frees a reservation.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// PortFree reports whether port can be bound on host right now. Exported for
// pre-launch validation; an empty host means loopback.
func PortFree(host string, port int) bool {
	if host == "" {
		host = "127.0.0.1"
	}
	return probeFree(host, port)
}

// probeFree reports whether the port can be bound right now.
func probeFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// portAnswers reports whether something accepts connections on host:port.
func portAnswers(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func pickEphemeral(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}
