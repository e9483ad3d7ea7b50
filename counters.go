package procctl

import "sync"

// CounterName indexes the eleven global counters that gate scheduling
// decisions across the generator, handler, and user API threads.
type CounterName int

const (
	CounterHandlerRunningThreads CounterName = iota
	CounterGeneratorRunningThreads
	CounterSyncRPCs
	CounterSyncRPCRunningThreads
	CounterPendingStops
	CounterClearingBPs
	CounterProcStopRPCs
	CounterAsyncEvents
	CounterForceGeneratorBlock
	CounterGeneratorNonExitedThreads
	CounterStartupTeardownProcesses

	numCounters
)

// globalSlot is one entry in the fixed-size global counter table. Its own
// lock lets the generator poll counters without taking the engine's
// exclusion lock.
type globalSlot struct {
	mu    sync.Mutex
	value int64
	zero  *sync.Cond
}

// CounterRegistry implements the two-tier local/global counter discipline:
// each Counter adjusts its own local integer and, under the named slot's
// own lock, the corresponding entry in a fixed-size global array.
type CounterRegistry struct {
	globals [numCounters]*globalSlot
}

// NewCounterRegistry allocates a fresh, zeroed global counter table.
func NewCounterRegistry() *CounterRegistry {
	r := &CounterRegistry{}
	for i := range r.globals {
		s := &globalSlot{}
		s.zero = sync.NewCond(&s.mu)
		r.globals[i] = s
	}
	return r
}

// GlobalCount returns the current value of a global counter.
func (r *CounterRegistry) GlobalCount(name CounterName) int64 {
	s := r.globals[name]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (r *CounterRegistry) adjustGlobal(name CounterName, delta int64) {
	s := r.globals[name]
	s.mu.Lock()
	s.value += delta
	if s.value == 0 {
		s.zero.Broadcast()
	}
	s.mu.Unlock()
}

// WaitZero blocks until the named global counter reaches zero. The
// generator uses this to honor ForceGeneratorBlock: while any process has
// startup or teardown in flight, no new generator work is begun.
func (r *CounterRegistry) WaitZero(name CounterName) {
	s := r.globals[name]
	s.mu.Lock()
	for s.value != 0 {
		s.zero.Wait()
	}
	s.mu.Unlock()
}

// Counter is a thread-local handle onto one named global counter. Threads
// that participate in a counted activity (e.g. a generator goroutine
// tracking GeneratorRunningThreads) hold one of these and call Inc/Dec as
// their local contribution changes; CounterRegistry.GlobalCount always
// reflects the live sum.
type Counter struct {
	name     CounterName
	registry *CounterRegistry
	local    int64
}

// NewCounter returns a zeroed local counter bound to name in registry.
func (r *CounterRegistry) NewCounter(name CounterName) *Counter {
	return &Counter{name: name, registry: r}
}

// Inc increments the local and global counter by one.
func (c *Counter) Inc() { c.Add(1) }

// Dec decrements the local and global counter by one.
func (c *Counter) Dec() { c.Add(-1) }

// Add adjusts the local and global counter by delta, which may be negative.
func (c *Counter) Add(delta int64) {
	c.local += delta
	c.registry.adjustGlobal(c.name, delta)
}

// LocalCount returns this counter's local contribution.
func (c *Counter) LocalCount() int64 { return c.local }

// Name returns the counter this handle is bound to.
func (c *Counter) Name() CounterName { return c.name }
