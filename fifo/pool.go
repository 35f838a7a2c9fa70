package fifo

// Pool is the fixed-capacity element pool shared across all active dynS
// (spec Section 3, "Ownership"; Section 8 invariant #4: freeList + all
// in-use elements == fixed capacity).
type Pool struct {
	capacity int
	free     []*Element
	inUse    int
}

// NewPool creates a pool with the given fixed capacity.
func NewPool(capacity int) *Pool {
	p := &Pool{capacity: capacity}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Element{State: Free})
	}
	return p
}

// Capacity returns the pool's fixed capacity.
func (p *Pool) Capacity() int { return p.capacity }

// FreeCount returns the number of currently free elements.
func (p *Pool) FreeCount() int { return len(p.free) }

// InUse returns the number of currently allocated elements.
func (p *Pool) InUse() int { return p.inUse }

// Alloc removes one element from the free list, or reports ok=false if
// the pool is exhausted (spec Section 4.3: "Allocation request with no
// free element -> the operation returns false; never blocks inside the
// tick").
func (p *Pool) Alloc() (e *Element, ok bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	n := len(p.free) - 1
	e = p.free[n]
	p.free = p.free[:n]
	e.State = Allocated
	p.inUse++
	return e, true
}

// Release returns an element to the free list.
func (p *Pool) Release(e *Element) {
	e.reset()
	p.free = append(p.free, e)
	p.inUse--
}

// Conserved reports whether the free-list + in-use counts reconcile with
// capacity (spec Section 8, invariant #4).
func (p *Pool) Conserved() bool {
	return len(p.free)+p.inUse == p.capacity
}
