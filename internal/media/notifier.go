package media

import "sync"

// CloseNotifier tracks the closed state of a handle and the observers waiting
// for it. The zero value is ready to use.
type CloseNotifier struct {
	mu        sync.Mutex
	closed    bool
	next      int
	observers map[int]func()
}

// Subscribe registers fn. See Closable.OnClose.
func (n *CloseNotifier) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		fn()
		return func() {}
	}
	if n.observers == nil {
		n.observers = make(map[int]func())
	}
	id := n.next
	n.next++
	n.observers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

// MarkClosed flips the handle to closed. It reports false if the handle was
// already closed, in which case the caller must not tear down again.
func (n *CloseNotifier) MarkClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.closed = true
	return true
}

// Notify runs every registered observer once and forgets them.
func (n *CloseNotifier) Notify() {
	n.mu.Lock()
	observers := n.observers
	n.observers = nil
	n.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Closed reports whether MarkClosed has been called.
func (n *CloseNotifier) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
