package portpool

import (
	"testing"
	"time"

	"github.com/SideStore/onetun/internal/events"
)

func TestAllocateAndOrigin(t *testing.T) {
	p := New(events.TCP)
	vport, err := p.Allocate("peer-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if vport.Protocol != events.TCP {
		t.Errorf("protocol = %v, want tcp", vport.Protocol)
	}
	if vport.Number < EphemeralMin || vport.Number > EphemeralMax {
		t.Errorf("number %d out of ephemeral range", vport.Number)
	}
	origin, ok := p.Origin(vport)
	if !ok || origin != "peer-a" {
		t.Errorf("Origin = %v, %v, want peer-a, true", origin, ok)
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}
}

func TestReleaseFreesNumberForReuse(t *testing.T) {
	p := New(events.UDP)
	vport, err := p.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.Release(vport)
	if _, ok := p.Origin(vport); ok {
		t.Error("Origin still resolves after Release")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(events.TCP)
	// Fill the entire ephemeral range so Allocate must fail.
	for n := EphemeralMin; n <= EphemeralMax; n++ {
		p.ports[uint16(n)] = entry{origin: nil, lastSeen: time.Now()}
	}
	if _, err := p.Allocate(nil); err != ErrNoFreePorts {
		t.Fatalf("got %v, want ErrNoFreePorts", err)
	}
}

func TestGCReclaimsIdlePorts(t *testing.T) {
	p := New(events.UDP)
	vport, err := p.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.mu.Lock()
	e := p.ports[vport.Number]
	e.lastSeen = time.Now().Add(-time.Minute)
	p.ports[vport.Number] = e
	p.mu.Unlock()

	expired := p.GC(time.Second)
	if len(expired) != 1 || expired[0] != vport {
		t.Fatalf("GC = %v, want [%v]", expired, vport)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0 after GC", p.Len())
	}
}

func TestTouchPreventsGC(t *testing.T) {
	p := New(events.TCP)
	vport, err := p.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p.mu.Lock()
	e := p.ports[vport.Number]
	e.lastSeen = time.Now().Add(-time.Minute)
	p.ports[vport.Number] = e
	p.mu.Unlock()

	p.Touch(vport)
	if expired := p.GC(time.Second); len(expired) != 0 {
		t.Fatalf("GC = %v, want none after Touch", expired)
	}
}
