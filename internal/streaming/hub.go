package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Filter selects the events a subscriber receives. Zero fields match all.
type Filter struct {
	ChainID string   `json:"chain_id,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
	Types   []string `json:"types,omitempty"`
}

func (f Filter) match(e Event) bool {
	if f.ChainID != "" && f.ChainID != e.ChainID {
		return false
	}
	if f.JobID != "" && f.JobID != e.JobID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// Hub is an in-memory pub/sub Sink. Each subscriber has an unbounded
// mailbox drained by its own goroutine, so Emit never blocks on a slow
// reader and no event is dropped while the subscription is open.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*mailbox
	seq  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*mailbox)}
}

// Emit delivers event to every matching subscriber.
func (h *Hub) Emit(_ context.Context, event Event) error {
	event = Stamp(event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, mb := range h.subs {
		if mb.filter.match(event) {
			mb.put(event)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned channel is closed after
// cancel is called or ctx is done; events still queued are discarded then.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	mb := newMailbox(filter)

	h.mu.Lock()
	h.subs[id] = mb
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			mb.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-mb.done:
		}
	}()
	go mb.pump()

	return mb.out, cancel, nil
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

type mailbox struct {
	filter Filter
	out    chan Event
	done   chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newMailbox(filter Filter) *mailbox {
	mb := &mailbox{filter: filter, out: make(chan Event), done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) put(e Event) {
	mb.mu.Lock()
	if !mb.closed {
		mb.queue = append(mb.queue, e)
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	if !mb.closed {
		mb.closed = true
		close(mb.done)
		mb.cond.Broadcast()
	}
	mb.mu.Unlock()
}

func (mb *mailbox) pump() {
	defer close(mb.out)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			mb.mu.Unlock()
			return
		}
		e := mb.queue[0]
		mb.queue[0] = Event{}
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		select {
		case mb.out <- e:
		case <-mb.done:
			return
		}
	}
}

var _ Sink = (*Hub)(nil)
