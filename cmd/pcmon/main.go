// Command pcmon is a small REPL debugger over procctl.Engine: launch or
// attach to a target, then single-step, set breakpoints, and dump
// registers/memory from a command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/zaynotley/procctl"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <argv...>\n", os.Args[0])
		os.Exit(2)
	}

	eng, err := procctl.NewEngine(procctl.EngineConfig{
		Threading: procctl.HandlerThreading,
		LwpMode:   procctl.LwpControlIndep,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pcmon: new engine:", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	mon := newMonitor(eng)
	eng.OnEvent(mon.onEvent)

	proc, eerr := eng.Create(os.Args[1:], os.Environ())
	if eerr != nil {
		fmt.Fprintln(os.Stderr, "pcmon: create:", eerr)
		os.Exit(1)
	}
	mon.proc = proc
	mon.thread = firstThread(proc)

	mon.println(fmt.Sprintf("pcmon attached to pid %d, type ? for help", proc.PID))
	mon.run()
}

func firstThread(proc *procctl.Process) *procctl.Thread {
	for _, t := range proc.Threads() {
		return t
	}
	return nil
}

// monitorCommand is a parsed input line: a command name and its
// whitespace-separated arguments.
type monitorCommand struct {
	Name string
	Args []string
}

func parseCommand(input string) monitorCommand {
	input = strings.TrimSpace(input)
	if input == "" {
		return monitorCommand{}
	}
	parts := strings.Fields(input)
	return monitorCommand{Name: strings.ToLower(parts[0]), Args: parts[1:]}
}

func parseAddress(s string) (uintptr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(s, "$") {
		v, err := strconv.ParseUint(s[1:], 16, 64)
		return uintptr(v), err == nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return uintptr(v), err == nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	return uintptr(v), err == nil
}

// monitor is the REPL's session state: the engine, the currently focused
// process/thread, and the raw-terminal line editor.
type monitor struct {
	eng    *procctl.Engine
	proc   *procctl.Process
	thread *procctl.Thread

	breakpoints map[uintptr]*procctl.Breakpoint
	macros      map[string][]string
	scriptDepth int

	inputLine []byte
	history   []string
	termState *term.State
	fd        int
}

// maxScriptDepth bounds script/macro recursion, a macro that invokes
// itself (or a script that re-runs itself) stops here instead of looping.
const maxScriptDepth = 8

func newMonitor(eng *procctl.Engine) *monitor {
	return &monitor{
		eng:         eng,
		breakpoints: make(map[uintptr]*procctl.Breakpoint),
		macros:      make(map[string][]string),
		fd:          int(os.Stdin.Fd()),
	}
}

func (m *monitor) println(s string) { fmt.Println(s) }

// onEvent is the engine callback; breakpoint hits and process exit are
// reported immediately, whatever the prompt state.
func (m *monitor) onEvent(ev procctl.Event) {
	switch ev.Kind {
	case procctl.EventBreakpointHit:
		m.println(fmt.Sprintf("BREAK at %#x", ev.Addr))
	case procctl.EventProcessExited:
		m.println(fmt.Sprintf("process %d exited, code %d", ev.Process.PID, ev.Process.ExitCode()))
	case procctl.EventForked:
		m.println(fmt.Sprintf("process %d forked", ev.Process.PID))
	}
}

// run puts the terminal in raw mode and reads a byte at a time, hand-
// editing the input buffer (echo, backspace) rather than relying on a
// line-editing library. Earlier lines cannot be recalled.
func (m *monitor) run() {
	oldState, err := term.MakeRaw(m.fd)
	if err != nil {
		// Not an interactive terminal (e.g. piped input in a test
		// harness): fall back to line-buffered reads.
		m.runCooked()
		return
	}
	m.termState = oldState
	defer term.Restore(m.fd, m.termState)

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		b := buf[0]
		switch b {
		case '\r', '\n':
			fmt.Print("\r\n")
			line := string(m.inputLine)
			m.inputLine = m.inputLine[:0]
			if !m.dispatch(line) {
				return
			}
		case 0x7F, 0x08:
			if len(m.inputLine) > 0 {
				m.inputLine = m.inputLine[:len(m.inputLine)-1]
				fmt.Print("\b \b")
			}
		case 0x03: // Ctrl-C
			return
		default:
			m.inputLine = append(m.inputLine, b)
			fmt.Printf("%c", b)
		}
	}
}

// runCooked is the non-tty fallback path, reading newline-terminated
// commands with the standard library instead of a raw-mode byte loop.
func (m *monitor) runCooked() {
	var line []byte
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			for _, b := range buf[:n] {
				if b == '\n' {
					if !m.dispatch(string(line)) {
						return
					}
					line = line[:0]
					continue
				}
				line = append(line, b)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch runs one command line and reports whether the REPL should
// keep reading (false means exit).
func (m *monitor) dispatch(input string) bool {
	cmd := parseCommand(input)
	if cmd.Name != "" {
		m.history = append(m.history, input)
	}

	switch cmd.Name {
	case "":
		return true
	case "r":
		return m.cmdRegisters()
	case "s":
		return m.cmdStep()
	case "c", "g":
		return m.cmdContinue()
	case "m":
		return m.cmdMemory(cmd)
	case "w":
		return m.cmdWrite(cmd)
	case "b":
		return m.cmdBreak(cmd)
	case "bc":
		return m.cmdBreakClear(cmd)
	case "bl":
		return m.cmdBreakList()
	case "script":
		return m.cmdScript(cmd)
	case "macro":
		return m.cmdMacro(cmd)
	case "q", "exit":
		return false
	case "?", "help":
		return m.cmdHelp()
	default:
		if cmds, ok := m.macros[cmd.Name]; ok {
			return m.executeMacro(cmds)
		}
		m.println("unknown command, type ? for help")
		return true
	}
}

// cmdScript runs a Lua macro script: each cmd("...") call in the script
// dispatches one monitor command line, and everything else is ordinary
// Lua (loops, computed addresses, conditionals).
func (m *monitor) cmdScript(cmd monitorCommand) bool {
	if len(cmd.Args) < 1 {
		m.println("usage: script <file.lua>")
		return true
	}
	data, err := os.ReadFile(cmd.Args[0])
	if err != nil {
		m.println("script: " + err.Error())
		return true
	}

	m.scriptDepth++
	defer func() { m.scriptDepth-- }()
	if m.scriptDepth > maxScriptDepth {
		m.println("script recursion limit reached")
		return true
	}

	s, serr := procctl.NewEngineScript(string(data))
	if serr != nil {
		m.println("script: " + serr.Error())
		return true
	}
	quit := false
	if rerr := s.Run(func(line string) *procctl.EngineError {
		if !quit && !m.dispatch(line) {
			quit = true
		}
		return nil
	}); rerr != nil {
		m.println("script: " + rerr.Error())
	}
	return !quit
}

// cmdMacro defines a named, ;-separated command sequence invocable by its
// bare name.
func (m *monitor) cmdMacro(cmd monitorCommand) bool {
	if len(cmd.Args) < 2 {
		m.println("usage: macro <name> <cmd1> ; <cmd2> ; ...")
		return true
	}
	name := strings.ToLower(cmd.Args[0])
	body := strings.Join(cmd.Args[1:], " ")
	var cleaned []string
	for _, c := range strings.Split(body, ";") {
		if c = strings.TrimSpace(c); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	m.macros[name] = cleaned
	m.println(fmt.Sprintf("macro %q defined (%d commands)", name, len(cleaned)))
	return true
}

func (m *monitor) executeMacro(cmds []string) bool {
	m.scriptDepth++
	defer func() { m.scriptDepth-- }()
	if m.scriptDepth > maxScriptDepth {
		m.println("macro recursion limit reached")
		return true
	}
	for _, c := range cmds {
		if !m.dispatch(c) {
			return false
		}
	}
	return true
}

func (m *monitor) cmdHelp() bool {
	m.println("r            show registers")
	m.println("s            single-step")
	m.println("c|g          continue")
	m.println("m <addr> <n> dump n bytes at addr")
	m.println("w <addr> <hexbytes> write bytes at addr")
	m.println("b <addr>     set breakpoint")
	m.println("bc <addr>    clear breakpoint")
	m.println("bl           list breakpoints")
	m.println("script <file.lua>  run a Lua macro script (cmd(\"...\") dispatches)")
	m.println("macro <name> <cmds..>  define macro (;-separated), invoke by name")
	m.println("q            quit")
	return true
}

func (m *monitor) cmdRegisters() bool {
	if m.thread == nil {
		m.println("no focused thread")
		return true
	}
	regs, err := m.eng.Registers(m.thread)
	if err != nil {
		m.println("registers: " + err.Error())
		return true
	}
	m.println(fmt.Sprintf("pc=%#x sp=%#x", regs.PC, regs.SP))
	return true
}

func (m *monitor) cmdStep() bool {
	if m.thread == nil {
		m.println("no focused thread")
		return true
	}
	regs, err := m.eng.Registers(m.thread)
	if err != nil {
		m.println("step: " + err.Error())
		return true
	}
	if err := m.eng.StepOver(m.proc, m.thread, regs.PC); err != nil {
		m.println("step: " + err.Error())
	}
	return true
}

func (m *monitor) cmdContinue() bool {
	if err := m.eng.ContinueProcess(m.proc); err != nil {
		m.println("continue: " + err.Error())
		return true
	}
	m.println("running; watch for BREAK/exit events")
	return true
}

func (m *monitor) cmdMemory(cmd monitorCommand) bool {
	if len(cmd.Args) < 2 {
		m.println("usage: m <addr> <n>")
		return true
	}
	addr, ok := parseAddress(cmd.Args[0])
	if !ok {
		m.println("bad address")
		return true
	}
	n, err := strconv.Atoi(cmd.Args[1])
	if err != nil || n <= 0 {
		m.println("bad length")
		return true
	}
	data, eerr := m.eng.ReadMemory(m.proc, addr, n)
	if eerr != nil {
		m.println("memory: " + eerr.Error())
		return true
	}
	m.println(fmt.Sprintf("%#x: % x", addr, data))
	return true
}

func (m *monitor) cmdWrite(cmd monitorCommand) bool {
	if len(cmd.Args) < 2 {
		m.println("usage: w <addr> <hexbytes>")
		return true
	}
	addr, ok := parseAddress(cmd.Args[0])
	if !ok {
		m.println("bad address")
		return true
	}
	hexStr := strings.Join(cmd.Args[1:], "")
	if len(hexStr)%2 != 0 {
		m.println("odd hex digit count")
		return true
	}
	data := make([]byte, len(hexStr)/2)
	for i := range data {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			m.println("bad hex byte")
			return true
		}
		data[i] = byte(v)
	}
	if err := m.eng.WriteMemory(m.proc, addr, data); err != nil {
		m.println("write: " + err.Error())
	}
	return true
}

func (m *monitor) cmdBreak(cmd monitorCommand) bool {
	if len(cmd.Args) < 1 {
		m.println("usage: b <addr>")
		return true
	}
	addr, ok := parseAddress(cmd.Args[0])
	if !ok {
		m.println("bad address")
		return true
	}
	b, err := m.eng.PostBreakpoint(m.proc, addr)
	if err != nil {
		m.println("break: " + err.Error())
		return true
	}
	m.breakpoints[addr] = b
	m.println(fmt.Sprintf("breakpoint set at %#x", addr))
	return true
}

func (m *monitor) cmdBreakClear(cmd monitorCommand) bool {
	if len(cmd.Args) < 1 {
		m.println("usage: bc <addr>")
		return true
	}
	addr, ok := parseAddress(cmd.Args[0])
	if !ok {
		m.println("bad address")
		return true
	}
	b, ok := m.breakpoints[addr]
	if !ok {
		m.println("no breakpoint at that address")
		return true
	}
	if err := m.eng.RemoveBreakpoint(m.proc, b); err != nil {
		m.println("bc: " + err.Error())
		return true
	}
	delete(m.breakpoints, addr)
	return true
}

func (m *monitor) cmdBreakList() bool {
	if len(m.breakpoints) == 0 {
		m.println("no breakpoints")
		return true
	}
	for addr := range m.breakpoints {
		m.println(fmt.Sprintf("%#x", addr))
	}
	return true
}
