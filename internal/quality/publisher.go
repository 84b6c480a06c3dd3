package quality

import (
	"sync"
	"sync/atomic"
)

// Publisher holds the last accepted assessment. Publications are accepted
// only with a sequence number greater than the current one, so a late
// result never overwrites a newer one. Reads never block.
type Publisher struct {
	current atomic.Pointer[Assessment]
	dropped atomic.Uint64

	mu     sync.Mutex // serializes Publish and guards subs
	subs   map[uint64]chan Assessment
	nextID uint64
}

// NewPublisher returns an empty publisher whose Read is unknown/0.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[uint64]chan Assessment)}
}

// Publish stores a under seq when seq is newer than the current sequence
// and fans it out to subscribers. It reports whether a was accepted.
func (p *Publisher) Publish(a Assessment, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq <= p.seqLocked() {
		return false
	}
	a.Seq = seq
	p.current.Store(&a)

	for _, ch := range p.subs {
		select {
		case ch <- a:
		default:
			p.dropped.Add(1)
		}
	}
	return true
}

func (p *Publisher) seqLocked() uint64 {
	if cur := p.current.Load(); cur != nil {
		return cur.Seq
	}
	return 0
}

// Read returns the current result, or unknown/0 before the first publication.
func (p *Publisher) Read() Result {
	if cur := p.current.Load(); cur != nil {
		return cur.Result
	}
	return Result{}
}

// Latest returns the full current assessment.
func (p *Publisher) Latest() (Assessment, bool) {
	if cur := p.current.Load(); cur != nil {
		return *cur, true
	}
	return Assessment{}, false
}

// Seq returns the sequence number of the current assessment.
func (p *Publisher) Seq() uint64 {
	if cur := p.current.Load(); cur != nil {
		return cur.Seq
	}
	return 0
}

// Dropped counts fan-out messages discarded for slow subscribers.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Subscribe returns a channel receiving every accepted publication. A full
// channel drops messages instead of blocking the publisher. cancel closes
// the channel and is safe to call more than once.
func (p *Publisher) Subscribe(buf int) (<-chan Assessment, func()) {
	ch := make(chan Assessment, max(buf, 1))

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
