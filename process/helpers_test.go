package process

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chazu/vproc/manifest"
)

// ---------------------------------------------------------------------------
// Shared fakes for process package tests.
// ---------------------------------------------------------------------------

type fakeLaunch struct {
	mu        sync.Mutex
	processes []Process
	targets   []DebugTarget
	cfg       *manifest.Manifest
}

func (l *fakeLaunch) AddProcess(p Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processes = append(l.processes, p)
}

func (l *fakeLaunch) DebugTargets() []DebugTarget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DebugTarget(nil), l.targets...)
}

func (l *fakeLaunch) Configuration() *manifest.Manifest { return l.cfg }

func (l *fakeLaunch) has(p Process) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.processes {
		if q == p {
			return true
		}
	}
	return false
}

type fakeTarget struct {
	proc Process
}

func (t *fakeTarget) Process() Process { return t.proc }

// testEnv records redirections and flushes.
type testEnv struct {
	mu        sync.Mutex
	out, err  io.Writer
	in        io.RuneReader
	redirects int
	flushes   int
}

func (e *testEnv) Redirect(stdout, stderr io.Writer, stdin io.RuneReader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out, e.err, e.in = stdout, stderr, stdin
	e.redirects++
}

func (e *testEnv) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

func (e *testEnv) flushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

// scriptedThread runs one function per step and completes after the last.
type scriptedThread struct {
	env   *testEnv
	steps []func(env *testEnv) error

	mu   sync.Mutex
	next int
}

func (s *scriptedThread) Step() error {
	s.mu.Lock()
	fn := s.steps[s.next]
	s.next++
	s.mu.Unlock()
	return fn(s.env)
}

func (s *scriptedThread) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next >= len(s.steps)
}

func (s *scriptedThread) Environment() Environment {
	if s.env == nil {
		return nil
	}
	return s.env
}

// foreverThread never completes.
type foreverThread struct {
	env *testEnv
}

func (f *foreverThread) Step() error              { return nil }
func (f *foreverThread) Completed() bool          { return false }
func (f *foreverThread) Environment() Environment { return f.env }

func waitTerminated(t *testing.T, p *VirtualProcess) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatalf("process %q did not terminate", p.Label())
	}
}

// terminatingThread is complete from the start. Its first Completed call
// terminates the process, the way a host might right after the loop has
// checked the termination flag.
type terminatingThread struct {
	p    *VirtualProcess
	once sync.Once
}

func (t *terminatingThread) Step() error { return nil }

func (t *terminatingThread) Completed() bool {
	t.once.Do(t.p.Terminate)
	return true
}

func (t *terminatingThread) Environment() Environment { return nil }
