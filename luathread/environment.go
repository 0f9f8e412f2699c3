// Package luathread runs Lua scripts as stepped interpreter threads.
//
// A script runs inside a coroutine; every coroutine.yield ends one step.
// Scripts talk to the outside world only through the Environment:
//
//	write(s)   append s to standard output
//	ewrite(s)  append s to standard error
//	print(...) like Lua's print, to standard output
//	read()     the next input character, or nil when none is queued
//
// read never blocks. A script waiting for input polls, yielding between
// attempts.
package luathread

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
)

// Environment holds the standard streams shared by the threads of one
// interpreter. Output is buffered and flushed at the end of every step.
type Environment struct {
	mu     sync.Mutex
	stdout *bufio.Writer
	stderr *bufio.Writer
	stdin  io.RuneReader
}

// NewEnvironment creates an environment writing to os.Stdout and os.Stderr
// with no input.
func NewEnvironment() *Environment {
	return &Environment{
		stdout: bufio.NewWriter(os.Stdout),
		stderr: bufio.NewWriter(os.Stderr),
		stdin:  strings.NewReader(""),
	}
}

// Redirect flushes pending output, then replaces all three streams.
func (e *Environment) Redirect(stdout, stderr io.Writer, stdin io.RuneReader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stdout.Flush()
	e.stderr.Flush()
	e.stdout = bufio.NewWriter(stdout)
	e.stderr = bufio.NewWriter(stderr)
	e.stdin = stdin
}

// Flush writes buffered output through to the underlying writers.
func (e *Environment) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.stdout.Flush(); err != nil {
		return err
	}
	return e.stderr.Flush()
}

func (e *Environment) writeOut(s string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.stdout.WriteString(s)
	return err
}

func (e *Environment) writeErr(s string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.stderr.WriteString(s)
	return err
}

// readRune returns the next input character; ok is false when none is
// available.
func (e *Environment) readRune() (r rune, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, _, err := e.stdin.ReadRune()
	if err != nil {
		return 0, false
	}
	return r, true
}
