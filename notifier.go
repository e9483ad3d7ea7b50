package procctl

import "sync"

// Notifier is the cross-thread wakeup primitive exposed to callers so they
// can multiplex the engine with their own event loops. It
// counts outstanding notes rather than collapsing them into a single flag:
// NoteEvent is cheap and safe to call from the generator under no lock,
// while HasEvents/ClearEvent let a caller (or the handler's own dispatch
// loop) drain the backlog.
//
// The underlying waitable object is platform-specific: a self-pipe (one
// byte per note) on POSIX-like platforms, a semaphore on Windows. See
// notifier_unix.go and notifier_windows.go.
type Notifier struct {
	mu      sync.Mutex
	pending int
	wake    wakePrimitive
}

// wakePrimitive is the OS-specific half of the notifier: something with a
// single waitable handle that can be signalled and drained.
type wakePrimitive interface {
	// signal wakes any current or future waiter. Safe to call repeatedly;
	// excess signals beyond what Drain consumes are coalesced by the OS
	// primitive, so Notifier tracks the authoritative count itself.
	signal()
	// wait blocks until the waitable object is readable/signalled.
	wait() error
	// drain consumes any buffered signal state without blocking.
	drain()
	// close releases OS resources. Idempotent.
	close() error
}

// NewNotifier constructs a Notifier backed by the platform's native
// waitable primitive.
func NewNotifier() (*Notifier, error) {
	w, err := newWakePrimitive()
	if err != nil {
		return nil, wrapErr(ErrIOFailure, err, "creating notifier wake primitive")
	}
	return &Notifier{wake: w}, nil
}

// NoteEvent records one outstanding event and wakes any waiter. Called by
// the generator (and internally by the handler when scheduling follow-on
// work) whenever state changes that a waiting caller should observe.
func (n *Notifier) NoteEvent() {
	n.mu.Lock()
	n.pending++
	n.mu.Unlock()
	n.wake.signal()
}

// HasEvents reports whether any note is currently outstanding.
func (n *Notifier) HasEvents() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending > 0
}

// ClearEvent consumes exactly one outstanding note, if any, and returns
// whether one was consumed. Once the count reaches zero the underlying
// waitable is drained so a subsequent Wait blocks again.
func (n *Notifier) ClearEvent() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == 0 {
		return false
	}
	n.pending--
	if n.pending == 0 {
		n.wake.drain()
	}
	return true
}

// Wait blocks until at least one note is outstanding (HasEvents would
// return true), or an error occurs reading the underlying waitable. It
// does not itself consume a note; pair with ClearEvent.
func (n *Notifier) Wait() error {
	if n.HasEvents() {
		return nil
	}
	return n.wake.wait()
}

// Close releases the notifier's OS resources. The Notifier must not be used
// afterward.
func (n *Notifier) Close() error {
	return n.wake.close()
}

// Waitable exposes the raw OS handle so a caller can fold the notifier into
// a select/poll/epoll loop of its own instead of calling Wait.
func (n *Notifier) Waitable() any {
	return n.wake
}
