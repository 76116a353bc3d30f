package port

import "sync"

// Trigger is the waitset integration hook: a subscriber can attach one so
// that arriving data wakes up a blocked waitset wait instead of requiring
// the user to poll TryGetChunk. Notify must not block and must be safe to
// call from any goroutine, including the one delivering a chunk on the
// publisher's behalf.
type Trigger interface {
	Notify()
}

// TriggerFunc adapts a plain function to a Trigger.
type TriggerFunc func()

// Notify calls f.
func (f TriggerFunc) Notify() {
	if f != nil {
		f()
	}
}

// ChanTrigger is the concrete waitset integration point: it fans Notify()
// out to whatever channel the waitset last attached, non-blocking so a
// slow or absent waitset never stalls chunk delivery.
type ChanTrigger struct {
	mu sync.Mutex
	ch chan<- struct{}
}

// Attach registers ch as the channel Notify() signals. A nil ch detaches.
func (t *ChanTrigger) Attach(ch chan<- struct{}) {
	t.mu.Lock()
	t.ch = ch
	t.mu.Unlock()
}

// Notify performs a non-blocking send on the attached channel, if any.
func (t *ChanTrigger) Notify() {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
