package bus

import "sync"

// wakeBroadcaster coalesces any number of wake signals arriving between
// two listens into a single wake for every waiter — unlike a buffered
// channel, closing-and-replacing the channel wakes *all* current
// listeners at once, which is what lets every worker in the pool notice
// a signal instead of exactly one of them winning a channel send.
type wakeBroadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeBroadcaster() *wakeBroadcaster {
	return &wakeBroadcaster{ch: make(chan struct{})}
}

// listen returns the channel to select on; it closes the next time
// broadcast is called. Callers must call listen again after waking to
// pick up the new generation.
func (b *wakeBroadcaster) listen() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *wakeBroadcaster) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
