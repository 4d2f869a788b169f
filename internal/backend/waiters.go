package backend

import "sync"

// slotWaiters is a minimal broadcast primitive backing the "waiter list"
// the specification attaches to the output slot and to each cell slot
// (§4.2's Pending(listener) results). It is modeled on
// eventloop.promise's fanOut: subscribers register a channel, and the
// single producer closes every registered channel exactly once. Unlike
// eventloop's ChainedPromise machinery (A+ style Then/Catch/Race chains),
// this needs nothing beyond "wake everyone waiting right now" — cell and
// output content is re-read via try-read after waking, it is never
// delivered through the channel itself.
type slotWaiters struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// wait registers a new listener and returns the channel it will close.
func (w *slotWaiters) wait() <-chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// fanOut wakes every currently registered listener and clears the list.
func (w *slotWaiters) fanOut() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
