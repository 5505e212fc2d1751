// Package portpool hands out ephemeral virtual ports and remembers which
// OS-side flow each one belongs to, so a virtual interface or proxy
// server can look up "who does this reply go to" without threading that
// context through every event. One Pool exists per protocol, with an
// idle-GC sweep to reclaim ports whose flow has gone quiet.
package portpool

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/SideStore/onetun/internal/events"
)

// ErrNoFreePorts is returned once allocation has exhausted its retry
// budget without finding an unused number.
var ErrNoFreePorts = errors.New("portpool: no free ports")

const (
	EphemeralMin     = 32768
	EphemeralMax     = 65535
	maxAllocAttempts = 256
)

type entry struct {
	origin   any
	lastSeen time.Time
}

// Pool allocates and tracks virtual ports for one protocol.
type Pool struct {
	protocol events.Protocol

	mu    sync.Mutex
	ports map[uint16]entry
	rng   *rand.Rand
}

// New returns an empty pool for protocol.
func New(protocol events.Protocol) *Pool {
	return &Pool{
		protocol: protocol,
		ports:    make(map[uint16]entry),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allocate picks a free ephemeral number uniformly at random, associates
// it with origin (an opaque value the caller can later recover via
// Origin), and returns the resulting VirtualPort.
func (p *Pool) Allocate(origin any) (events.VirtualPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := EphemeralMax - EphemeralMin + 1
	for i := 0; i < maxAllocAttempts; i++ {
		n := uint16(EphemeralMin + p.rng.Intn(span))
		if _, taken := p.ports[n]; taken {
			continue
		}
		p.ports[n] = entry{origin: origin, lastSeen: time.Now()}
		return events.VirtualPort{Number: n, Protocol: p.protocol}, nil
	}
	return events.VirtualPort{}, ErrNoFreePorts
}

// Release frees vport for reuse. It is safe to call more than once.
func (p *Pool) Release(vport events.VirtualPort) {
	p.mu.Lock()
	delete(p.ports, vport.Number)
	p.mu.Unlock()
}

// Origin recovers the value Allocate was called with for vport.
func (p *Pool) Origin(vport events.VirtualPort) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.ports[vport.Number]
	if !ok {
		return nil, false
	}
	return e.origin, true
}

// Touch refreshes vport's idle timer, preventing GC from reclaiming it.
func (p *Pool) Touch(vport events.VirtualPort) {
	p.mu.Lock()
	if e, ok := p.ports[vport.Number]; ok {
		e.lastSeen = time.Now()
		p.ports[vport.Number] = e
	}
	p.mu.Unlock()
}

// GC releases every port idle longer than maxIdle and returns them, so
// the caller can publish ClientConnectionDropped for each.
func (p *Pool) GC(maxIdle time.Duration) []events.VirtualPort {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []events.VirtualPort
	for n, e := range p.ports {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(p.ports, n)
			expired = append(expired, events.VirtualPort{Number: n, Protocol: p.protocol})
		}
	}
	return expired
}

// Len reports how many ports are currently allocated.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ports)
}
