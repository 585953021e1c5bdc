package engine

import "sync"

// wakeup lets the Dispatcher/Enqueue workers react to new work
// immediately instead of waiting out a full tick, following the
// Broadcast-all-waiters semantics of the teacher's
// queue.DownloadQueue.Broadcast, reshaped around a context-friendly
// channel since a worker's select loop also needs to observe
// ctx.Done().
type wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeup() *wakeup {
	return &wakeup{ch: make(chan struct{})}
}

// Broadcast wakes every goroutine currently blocked on C.
func (w *wakeup) Broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}

// C returns the current wait channel; it closes exactly once, on the
// next Broadcast after C was called.
func (w *wakeup) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}
