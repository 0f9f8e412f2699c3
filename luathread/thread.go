package luathread

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/chazu/vproc/process"
)

// Thread is a Lua script driven one coroutine resume per step.
//
// gopher-lua states are not goroutine-safe; Step and Close serialize on an
// internal mutex. Completed may be called from any goroutine.
type Thread struct {
	name string
	env  *Environment

	mu      sync.Mutex
	L       *lua.LState
	co      *lua.LState
	fn      *lua.LFunction
	results []string

	done   atomic.Bool
	closed bool
}

// New compiles source into a thread running in env. name is used in Lua
// error messages.
func New(env *Environment, name, source string) (*Thread, error) {
	if env == nil {
		env = NewEnvironment()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	t := &Thread{name: name, env: env, L: L}
	t.installBuiltins()

	fn, err := L.Load(strings.NewReader(source), name)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("luathread: compiling %s: %w", name, err)
	}
	t.fn = fn
	t.co, _ = L.NewThread()
	return t, nil
}

// NewFromFile reads and compiles the script at path.
func NewFromFile(env *Environment, path string) (*Thread, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("luathread: %w", err)
	}
	return New(env, path, string(src))
}

// openSafeLibraries opens only the libraries a script needs to compute and
// yield: no io, os, debug or package.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (t *Thread) installBuiltins() {
	L := t.L
	L.SetGlobal("write", L.NewFunction(func(L *lua.LState) int {
		if err := t.env.writeOut(L.CheckString(1)); err != nil {
			L.RaiseError("write: %v", err)
		}
		return 0
	}))
	L.SetGlobal("ewrite", L.NewFunction(func(L *lua.LState) int {
		if err := t.env.writeErr(L.CheckString(1)); err != nil {
			L.RaiseError("ewrite: %v", err)
		}
		return 0
	}))
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		if err := t.env.writeOut(strings.Join(parts, "\t") + "\n"); err != nil {
			L.RaiseError("print: %v", err)
		}
		return 0
	}))
	L.SetGlobal("read", L.NewFunction(func(L *lua.LState) int {
		r, ok := t.env.readRune()
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(string(r)))
		return 1
	}))
}

// Name returns the script name.
func (t *Thread) Name() string { return t.name }

// Environment returns the thread's environment.
func (t *Thread) Environment() process.Environment { return t.env }

// Completed reports whether the script has returned or failed.
func (t *Thread) Completed() bool { return t.done.Load() }

// Step resumes the script until its next yield, then flushes output.
// A Lua error completes the thread and is returned.
func (t *Thread) Step() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.done.Load() {
		return nil
	}

	st, err, values := t.L.Resume(t.co, t.fn)
	flushErr := t.env.Flush()

	switch st {
	case lua.ResumeError:
		t.done.Store(true)
		return fmt.Errorf("luathread: %s: %w", t.name, err)
	case lua.ResumeOK:
		t.done.Store(true)
		t.results = make([]string, len(values))
		for i, v := range values {
			t.results[i] = v.String()
		}
	}
	return flushErr
}

// Results returns the string forms of the values the script returned.
// Empty until the thread completes.
func (t *Thread) Results() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.results...)
}

// Close releases the Lua state and marks the thread completed.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.done.Store(true)
	t.L.Close()
}
