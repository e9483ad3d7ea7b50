// Package procctl is a cross-platform process-control engine: it attaches
// to or launches native OS processes, observes their threads, stops and
// resumes them, reads and writes their memory and registers, installs
// software and hardware breakpoints, injects inferior RPCs, and tracks
// dynamically loaded libraries.
//
// The engine is the substrate on which debuggers, dynamic-instrumentation
// tools, and performance monitors are built. It is structured as a
// pipeline of two long-lived actors (the generator and the handler)
// sharing per-thread state with any number of user API goroutines under a
// single exclusion lock. See Engine for the entry point.
package procctl
