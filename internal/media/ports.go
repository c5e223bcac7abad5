package media

import "sync"

// PortPool hands out even RTP ports from a fixed range for the
// transcoder-facing endpoints. Ports are not tracked per session; the
// range is large enough that reuse only happens long after teardown.
type PortPool struct {
	mu        sync.Mutex
	min, max  int
	next      int
}

func NewPortPool(min, max int) *PortPool {
	if min%2 != 0 {
		min++
	}
	return &PortPool{min: min, max: max, next: min}
}

func (p *PortPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	p.next += 2
	if p.next > p.max {
		p.next = p.min
	}
	return port
}
