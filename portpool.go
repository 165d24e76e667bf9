package mptcp

import (
	"fmt"
	"math/rand"
)

// portPool hands out local ports for active opens. Ports are kept in a ring
// holding a random permutation of the range, so consecutive connections do
// not reuse neighbouring ports.
type portPool struct {
	ports     []uint16
	first     uint16
	last      uint16
	readIdx   int
	available int
	allocated map[uint16]bool
}

func newPortPool(first, last uint16, rng *rand.Rand) *portPool {
	capacity := int(last) - int(first) + 1
	perm := rng.Perm(capacity)
	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = first + uint16(v)
	}
	return &portPool{
		ports:     ports,
		first:     first,
		last:      last,
		available: capacity,
		allocated: make(map[uint16]bool),
	}
}

// allocate takes the next free port that inUse does not reject.
func (p *portPool) allocate(inUse func(uint16) bool) (uint16, error) {
	for tries := p.available; tries > 0; tries-- {
		port := p.take()
		if !inUse(port) {
			p.allocated[port] = true
			return port, nil
		}
		p.put(port)
	}
	return 0, ErrPortsExhausted
}

func (p *portPool) take() uint16 {
	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % len(p.ports)
	p.available--
	return port
}

func (p *portPool) put(port uint16) {
	writeIdx := (p.readIdx + p.available) % len(p.ports)
	p.ports[writeIdx] = port
	p.available++
}

// release returns a port obtained from allocate. Unknown ports are ignored.
func (p *portPool) release(port uint16) error {
	if !p.allocated[port] {
		return fmt.Errorf("port %d was not allocated from the pool", port)
	}
	delete(p.allocated, port)
	p.put(port)
	return nil
}
