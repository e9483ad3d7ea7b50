package procctl

import "sync"

// memPage is one cached, page-granular window of target memory, keyed in
// MemorySubsystem by page-aligned address and sized to the process's
// reported page size rather than a fixed constant.
type memPage struct {
	mu   sync.Mutex
	data []byte
}

// MemorySubsystem implements readMem/writeMem over a page-granular cache,
// dispatching misses synchronously or asynchronously depending on
// PlatformOps.NeedsAsyncIO, and splitting writes around any installed
// software-breakpoint trap bytes so a caller's write never clobbers an
// active trap and a caller's read never sees one.
type MemorySubsystem struct {
	proc     *Process
	ops      PlatformOps
	async    *AsyncResponseSet
	pageSize uintptr

	mu    sync.Mutex
	pages map[uintptr]*memPage
}

// NewMemorySubsystem constructs a cache-backed memory subsystem for proc.
func NewMemorySubsystem(proc *Process, ops PlatformOps, async *AsyncResponseSet, pageSize uintptr) *MemorySubsystem {
	if pageSize == 0 {
		pageSize = 4096
	}
	return &MemorySubsystem{
		proc:     proc,
		ops:      ops,
		async:    async,
		pageSize: pageSize,
		pages:    make(map[uintptr]*memPage),
	}
}

func (m *MemorySubsystem) pageOf(addr uintptr) uintptr {
	return addr &^ (m.pageSize - 1)
}

func (m *MemorySubsystem) getPage(page uintptr) (*memPage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[page]
	return p, ok
}

func (m *MemorySubsystem) putPage(page uintptr, data []byte) *memPage {
	p := &memPage{data: data}
	m.mu.Lock()
	m.pages[page] = p
	m.mu.Unlock()
	return p
}

// invalidateRange drops every cached page overlapping [addr, addr+len).
func (m *MemorySubsystem) invalidateRange(addr uintptr, length int) {
	first := m.pageOf(addr)
	last := m.pageOf(addr + uintptr(length) - 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := first; p <= last; p += m.pageSize {
		delete(m.pages, p)
	}
}

// ReadMem reads length bytes at addr, masking any installed software
// breakpoint's trap bytes back to the original saved bytes so callers
// never observe the trap. It returns (data, nil, nil) when satisfied
// synchronously, or (nil, response, nil) when the platform requires async
// I/O and the caller must AsyncResponseSet.Wait on response.
func (m *MemorySubsystem) ReadMem(addr uintptr, length int) ([]byte, *Response, *EngineError) {
	if length <= 0 {
		return nil, nil, newErr(ErrBadParameter, "read of %d bytes at %#x", length, addr)
	}
	page := m.pageOf(addr)
	off := addr - page
	if cached, ok := m.getPage(page); ok {
		cached.mu.Lock()
		if off+uintptr(length) <= uintptr(len(cached.data)) {
			out := make([]byte, length)
			copy(out, cached.data[off:off+uintptr(length)])
			cached.mu.Unlock()
			m.maskTrapBytes(addr, out)
			return out, nil, nil
		}
		cached.mu.Unlock()
	}

	// Reads that cross a page boundary bypass the cache: cached windows
	// are always whole pages keyed by their base, and a straddling read
	// would otherwise land misaligned under one page's key.
	if m.pageOf(addr+uintptr(length)-1) != page {
		return m.readUncached(addr, length)
	}

	// Miss: fill the whole page, then serve the requested window from it.
	if m.ops.NeedsAsyncIO() {
		resp := m.async.New(MemResponse)
		m.ops.ReadMemAsync(m.proc, page, int(m.pageSize), func(data []byte, err *EngineError) {
			if err != nil {
				m.async.Fail(resp, err)
				return
			}
			if uintptr(len(data)) < off+uintptr(length) {
				m.async.Fail(resp, newErr(ErrBadAddress, "short read of page %#x", page))
				return
			}
			m.putPage(page, append([]byte(nil), data...))
			out := make([]byte, length)
			copy(out, data[off:off+uintptr(length)])
			m.maskTrapBytes(addr, out)
			m.async.Complete(resp, out)
		})
		return nil, resp, nil
	}

	data, err := m.ops.ReadMem(m.proc, page, int(m.pageSize))
	if err != nil {
		// A partially mapped page can fail as a whole even when the
		// requested window itself is readable.
		return m.readUncached(addr, length)
	}
	if uintptr(len(data)) < off+uintptr(length) {
		return nil, nil, newErr(ErrBadAddress, "short read of page %#x", page)
	}
	m.putPage(page, append([]byte(nil), data...))
	out := make([]byte, length)
	copy(out, data[off:off+uintptr(length)])
	m.maskTrapBytes(addr, out)
	return out, nil, nil
}

// readUncached reads the exact range from the platform without touching
// the page cache, masking trap bytes like every other read path.
func (m *MemorySubsystem) readUncached(addr uintptr, length int) ([]byte, *Response, *EngineError) {
	if m.ops.NeedsAsyncIO() {
		resp := m.async.New(MemResponse)
		m.ops.ReadMemAsync(m.proc, addr, length, func(data []byte, err *EngineError) {
			if err != nil {
				m.async.Fail(resp, err)
				return
			}
			out := append([]byte(nil), data...)
			m.maskTrapBytes(addr, out)
			m.async.Complete(resp, out)
		})
		return nil, resp, nil
	}
	data, err := m.ops.ReadMem(m.proc, addr, length)
	if err != nil {
		return nil, nil, err
	}
	out := append([]byte(nil), data...)
	m.maskTrapBytes(addr, out)
	return out, nil, nil
}

// WriteMem writes data at addr, splitting the write around any active sw
// breakpoint trap bytes in the range so the trap survives in the
// underlying buffer: the breakpoint's saved-byte buffer is updated instead
// of the live memory for the bytes the trap occupies, and only the
// surrounding bytes are written through to the target.
func (m *MemorySubsystem) WriteMem(addr uintptr, data []byte) *EngineError {
	segments := m.splitAroundTraps(addr, data)
	for _, seg := range segments {
		if seg.isTrapBuffer {
			seg.inst.updateSavedBytes(seg.addr, seg.data)
			continue
		}
		if err := m.writeThrough(seg.addr, seg.data); err != nil {
			return err
		}
	}
	m.invalidateRange(addr, len(data))
	return nil
}

func (m *MemorySubsystem) writeThrough(addr uintptr, data []byte) *EngineError {
	if len(data) == 0 {
		return nil
	}
	if m.ops.NeedsAsyncIO() {
		resp := m.async.New(ResultResponse)
		m.ops.WriteMemAsync(m.proc, addr, data, func(err *EngineError) {
			if err != nil {
				m.async.Fail(resp, err)
				return
			}
			m.async.Complete(resp, nil)
		})
		m.async.Wait(resp)
		if resp.Err() != nil {
			return resp.Err()
		}
		return nil
	}
	return m.ops.WriteMem(m.proc, addr, data)
}

// writeSegment is one contiguous piece of a split write: either bytes that
// go straight to the target, or bytes that land inside an installed
// breakpoint's saved-original-bytes buffer instead.
type writeSegment struct {
	addr         uintptr
	data         []byte
	isTrapBuffer bool
	inst         *bpInstance
}

// splitAroundTraps partitions [addr, addr+len(data)) into segments that
// avoid overwriting any installed sw breakpoint's trap bytes in target
// memory, redirecting those bytes into the instance's saved buffer.
func (m *MemorySubsystem) splitAroundTraps(addr uintptr, data []byte) []writeSegment {
	mem := m.proc.MemState()
	var out []writeSegment
	cur := addr
	remaining := data
	for len(remaining) > 0 {
		inst, trapAddr, trapLen, ok := m.nextTrapOverlap(mem, cur, len(remaining))
		if !ok {
			out = append(out, writeSegment{addr: cur, data: remaining})
			break
		}
		if trapAddr > cur {
			pre := int(trapAddr - cur)
			out = append(out, writeSegment{addr: cur, data: remaining[:pre]})
			remaining = remaining[pre:]
			cur = trapAddr
		}
		// A trap that starts before cur has only its remaining bytes left.
		take := trapLen - int(cur-trapAddr)
		if take > len(remaining) {
			take = len(remaining)
		}
		out = append(out, writeSegment{addr: cur, data: remaining[:take], isTrapBuffer: true, inst: inst})
		remaining = remaining[take:]
		cur += uintptr(take)
	}
	return out
}

// nextTrapOverlap finds the earliest installed sw breakpoint whose trap
// bytes overlap [from, from+length), if any.
func (m *MemorySubsystem) nextTrapOverlap(mem *MemState, from uintptr, length int) (*bpInstance, uintptr, int, bool) {
	inst, ok := mem.swBreakpointAt(from)
	if ok && inst.installed() {
		return inst, from, inst.trapLen(), true
	}
	// A breakpoint may start before `from` but still overlap it; scan the
	// handful of addresses immediately preceding from within the longest
	// possible trap window.
	for back := uintptr(1); back <= uintptr(bpLongSize); back++ {
		if back > from {
			break
		}
		candidate := from - back
		inst, ok := mem.swBreakpointAt(candidate)
		if ok && inst.installed() && candidate+uintptr(inst.trapLen()) > from {
			return inst, candidate, inst.trapLen(), true
		}
	}
	// Otherwise the earliest trap starting later inside the range.
	for a := from + 1; a < from+uintptr(length); a++ {
		inst, ok := mem.swBreakpointAt(a)
		if ok && inst.installed() {
			return inst, a, inst.trapLen(), true
		}
	}
	return nil, 0, 0, false
}

// maskTrapBytes overwrites any installed breakpoint's trap bytes within
// out (read starting at addr) with the instance's saved original bytes, so
// readers never observe a trap.
func (m *MemorySubsystem) maskTrapBytes(addr uintptr, out []byte) {
	mem := m.proc.MemState()
	end := addr + uintptr(len(out))
	for a := addr; a < end; a++ {
		inst, ok := mem.swBreakpointAt(a)
		if !ok || !inst.installed() {
			continue
		}
		saved := inst.savedBytes()
		for i, b := range saved {
			pos := a + uintptr(i)
			if pos < addr || pos >= end {
				continue
			}
			out[pos-addr] = b
		}
	}
}
