package procctl

import (
	lua "github.com/yuin/gopher-lua"
)

// BreakpointScript is a Lua condition script bound to a
// Breakpoint.Condition. A small embedded Lua sandbox covers the usual
// register/memory/hit-count comparisons without a bespoke expression
// parser, and EngineScript below shares the same language for macro
// scripting.
//
// The script body is expected to end in an expression usable as a
// boolean condition; it runs fresh on every hit with the hitting
// thread's register set and hit count exposed as globals, and must not
// retain state across hits beyond what the caller threads through
// Vars.
type BreakpointScript struct {
	source   string
	hitCount int64
}

// NewBreakpointScript compiles source once (a syntax check) and returns a
// script ready to evaluate on breakpoint hits.
func NewBreakpointScript(source string) (*BreakpointScript, *EngineError) {
	L := lua.NewState()
	defer L.Close()
	if _, err := L.LoadString(source); err != nil {
		return nil, wrapErr(ErrBadParameter, err, "compiling breakpoint condition script")
	}
	return &BreakpointScript{source: source}, nil
}

// Eval runs the script against the hitting thread's register set,
// exposing each as a Lua global named after Registers semantics (pc, sp)
// plus any caller-supplied extra variables (e.g. memory values read for
// the condition), and the running hit count. It returns whether the
// script's result is truthy, i.e. whether the breakpoint should actually
// fire.
func (s *BreakpointScript) Eval(hc *HitContext, extra map[string]int64) (bool, *EngineError) {
	s.hitCount++

	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("addr", lua.LNumber(hc.Addr))
	L.SetGlobal("hitcount", lua.LNumber(s.hitCount))
	if hc.Thread != nil {
		if regs, ok := hc.Thread.Registers(); ok {
			L.SetGlobal("pc", lua.LNumber(regs.PC))
			L.SetGlobal("sp", lua.LNumber(regs.SP))
		}
	}
	for k, v := range extra {
		L.SetGlobal(k, lua.LNumber(v))
	}

	fn, err := L.LoadString(s.source)
	if err != nil {
		return false, wrapErr(ErrBadParameter, err, "reloading breakpoint condition script")
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, wrapErr(ErrInternalInvariantViolated, err, "evaluating breakpoint condition script")
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// HitCount returns the number of times this script has been evaluated.
func (s *BreakpointScript) HitCount() int64 { return s.hitCount }

// EngineScript is a macro script: a Lua program driving a host command
// dispatcher. The host exposes its dispatcher and the script calls
// cmd("...") for each command line; anything else (loops, conditionals,
// computed addresses) is plain Lua.
type EngineScript struct {
	source string
}

// NewEngineScript compiles source once (a syntax check) and returns a
// script ready to run against a command dispatcher.
func NewEngineScript(source string) (*EngineScript, *EngineError) {
	L := lua.NewState()
	defer L.Close()
	if _, err := L.LoadString(source); err != nil {
		return nil, wrapErr(ErrBadParameter, err, "compiling engine script")
	}
	return &EngineScript{source: source}, nil
}

// Run executes the script. Each cmd(line) call routes one command line
// through dispatch; a dispatch error is returned into Lua as (false,
// message) so the script can decide whether to carry on, and any error
// the script itself raises aborts the run.
func (s *EngineScript) Run(dispatch func(line string) *EngineError) *EngineError {
	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("cmd", L.NewFunction(func(L *lua.LState) int {
		line := L.CheckString(1)
		if err := dispatch(line); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	if err := L.DoString(s.source); err != nil {
		return wrapErr(ErrBadParameter, err, "running engine script")
	}
	return nil
}
