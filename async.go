package procctl

import (
	"sync"
	"time"
)

// ResponseKind distinguishes the five future-like response shapes: a
// memory read, a plain result, a single register, a full register set,
// and a stack-unwind snapshot.
type ResponseKind int

const (
	MemResponse ResponseKind = iota
	ResultResponse
	RegResponse
	AllRegResponse
	StackResponse
)

// ResponseStatus is the lifecycle of one outstanding response.
type ResponseStatus int

const (
	StatusPending ResponseStatus = iota
	StatusReady
	StatusError
)

// responseTTL and maxOutstandingResponses bound how long a completed-but-
// unobserved response lingers before the set reclaims it.
const (
	responseTTL             = 30 * time.Second
	maxOutstandingResponses = 4096
)

// Response is one correlation-id-addressed future. Callers never poll it
// directly; they pass it (or a slice of them) to AsyncResponseSet.Wait,
// which blocks until the generator/handler pipeline drives it to a
// terminal status.
type Response struct {
	id      uint64
	Kind    ResponseKind
	status  ResponseStatus
	payload any
	err     *EngineError
	created time.Time
	// observed is set the first time a non-blocking Poll sees a terminal
	// status; a second observation evicts the entry from the set.
	observed bool
}

// ID returns the response's correlation id, stable for its lifetime.
func (r *Response) ID() uint64 { return r.id }

// Status returns the response's current status without blocking.
func (r *Response) Status() ResponseStatus { return r.status }

// Payload returns the ready payload, or nil if not yet ready.
func (r *Response) Payload() any { return r.payload }

// Err returns the error recorded on failure, or nil.
func (r *Response) Err() *EngineError { return r.err }

// AsyncResponseSet tracks every outstanding Response for an engine and
// implements the wait-for-async-event discipline: callers block on a
// condition variable that
// the generator/handler pipeline signals as it completes responses, rather
// than spin-polling.
type AsyncResponseSet struct {
	mu        sync.Mutex
	cond      *sync.Cond
	nextID    uint64
	responses map[uint64]*Response
	counters  *Counter // AsyncEvents
}

// NewAsyncResponseSet constructs an empty set. counter should be the
// engine's AsyncEvents counter; it is incremented while a response is
// outstanding and decremented the moment it completes, independent of when
// the caller finally observes it.
func NewAsyncResponseSet(counter *Counter) *AsyncResponseSet {
	s := &AsyncResponseSet{
		responses: make(map[uint64]*Response),
		counters:  counter,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// New allocates a fresh pending response of the given kind and registers it
// in the set, returning it for the caller to hand back as an async-wait
// token.
func (s *AsyncResponseSet) New(kind ResponseKind) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.nextID++
	r := &Response{id: s.nextID, Kind: kind, status: StatusPending, created: time.Now()}
	s.responses[r.id] = r
	if s.counters != nil {
		s.counters.Inc()
	}
	return r
}

// Complete transitions r to ready with the given payload and wakes any
// waiters. Safe to call from the generator or handler actor.
func (s *AsyncResponseSet) Complete(r *Response, payload any) {
	s.finish(r, StatusReady, payload, nil)
}

// Fail transitions r to error and wakes any waiters.
func (s *AsyncResponseSet) Fail(r *Response, err *EngineError) {
	s.finish(r, StatusError, nil, err)
}

func (s *AsyncResponseSet) finish(r *Response, status ResponseStatus, payload any, err *EngineError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.status != StatusPending {
		return
	}
	r.status = status
	r.payload = payload
	r.err = err
	if s.counters != nil {
		s.counters.Dec()
	}
	s.cond.Broadcast()
}

// Wait blocks until r reaches a terminal status, then marks it observed
// and evicts it from the set, whether or not a Poll saw the terminal
// status first. Under the two-read eviction rule the first terminal
// observation via Poll leaves the entry in place for a caller that has
// not yet looked; Wait always counts as the final observation.
func (s *AsyncResponseSet) Wait(r *Response) ResponseStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r.status == StatusPending {
		s.cond.Wait()
	}
	delete(s.responses, r.id)
	return r.status
}

// WaitAll blocks until every response in rs has reached a terminal status.
func (s *AsyncResponseSet) WaitAll(rs []*Response) {
	for _, r := range rs {
		s.Wait(r)
	}
}

// Poll reports r's status without blocking. A terminal status observed for
// the first time leaves the entry registered (a second Poll or a Wait call
// will evict it), so a caller who polls twice in a row does not silently
// miss a transition it raced against the first read.
func (s *AsyncResponseSet) Poll(r *Response) ResponseStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.status == StatusPending {
		return StatusPending
	}
	if r.observed {
		delete(s.responses, r.id)
	} else {
		r.observed = true
	}
	return r.status
}

// FailAll transitions every still-pending response to error and wakes any
// waiters. Used when the process a response belongs to has hit a fatal
// error or exited, so nothing will ever drive those responses to
// completion the normal way and a caller blocked in Wait must not hang
// forever.
func (s *AsyncResponseSet) FailAll(err *EngineError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.status != StatusPending {
			continue
		}
		r.status = StatusError
		r.err = err
		if s.counters != nil {
			s.counters.Dec()
		}
	}
	s.cond.Broadcast()
}

// Outstanding returns the number of responses still tracked, pending or
// terminal-but-unobserved.
func (s *AsyncResponseSet) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// prune drops stale entries: anything older than responseTTL, then, if
// still over maxOutstandingResponses, the oldest entries first. Called
// opportunistically on New. Must be called with s.mu held.
func (s *AsyncResponseSet) prune() {
	now := time.Now()
	for id, r := range s.responses {
		if r.status == StatusPending {
			continue
		}
		if now.Sub(r.created) > responseTTL {
			delete(s.responses, id)
		}
	}
	for len(s.responses) > maxOutstandingResponses {
		var oldestID uint64
		var oldestTime time.Time
		first := true
		for id, r := range s.responses {
			if r.status == StatusPending {
				continue
			}
			if first || r.created.Before(oldestTime) {
				oldestID, oldestTime = id, r.created
				first = false
			}
		}
		if first {
			// nothing prunable (all still pending); stop rather than loop.
			break
		}
		delete(s.responses, oldestID)
	}
}
