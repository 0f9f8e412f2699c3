package process

import (
	"io"

	"github.com/chazu/vproc/manifest"
)

// Process is the host-facing view of a running program.
type Process interface {
	Label() string
	Launch() Launch
	CanTerminate() bool
	IsTerminated() bool
	Terminate()
	Attribute(key string) (string, bool)
	SetAttribute(key, value string)
	ExitValue() int
	Streams() *Streams
}

// Launch owns the processes and debug targets started for one launch of a
// configuration.
type Launch interface {
	AddProcess(p Process)
	DebugTargets() []DebugTarget
	Configuration() *manifest.Manifest
}

// DebugTarget is a debuggable program attached to a launch.
type DebugTarget interface {
	Process() Process
}

// Thread is an interpreter thread that advances one unit of work per Step.
// Step calls on one thread are never concurrent.
type Thread interface {
	// Step advances execution by one unit. A returned error (or a panic)
	// ends the process.
	Step() error
	// Completed reports whether the thread has nothing left to run.
	Completed() bool
	// Environment returns the execution context the thread runs in.
	Environment() Environment
}

// Environment is the interpreter execution context whose standard streams
// a process can take over.
type Environment interface {
	// Redirect replaces the environment's output, error and input. The
	// input reader returns io.EOF whenever no character is queued.
	Redirect(stdout, stderr io.Writer, stdin io.RuneReader)
}

// Flusher is implemented by environments that buffer output. The scheduler
// flushes before the process terminates.
type Flusher interface {
	Flush() error
}
