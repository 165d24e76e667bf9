package mptcp

import "fmt"

// ConnID is a generation-checked handle to a connection owned by a Stack.
// A handle outlives the connection it names: once the connection is released
// the slot's generation moves on and lookups with the old handle fail. The
// zero ConnID never names a connection.
type ConnID struct {
	index uint32
	gen   uint32
}

func (id ConnID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

type connSlot struct {
	gen  uint32
	conn *Conn
}

// connArena stores the connections of a Stack.
type connArena struct {
	slots []connSlot
	free  []uint32
	count int
}

func (a *connArena) insert(c *Conn) ConnID {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, connSlot{})
	}
	slot := &a.slots[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	slot.conn = c
	a.count++
	return ConnID{index: idx, gen: slot.gen}
}

// get returns the connection named by id, or nil if it has been released.
func (a *connArena) get(id ConnID) *Conn {
	if id.gen == 0 || int(id.index) >= len(a.slots) {
		return nil
	}
	slot := &a.slots[id.index]
	if slot.gen != id.gen {
		return nil
	}
	return slot.conn
}

func (a *connArena) remove(id ConnID) bool {
	if a.get(id) == nil {
		return false
	}
	slot := &a.slots[id.index]
	slot.conn = nil
	// bump now so stale handles stop resolving even before the slot is reused
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	a.free = append(a.free, id.index)
	a.count--
	return true
}

func (a *connArena) len() int {
	return a.count
}
