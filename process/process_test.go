package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chazu/vproc/event"
	"github.com/chazu/vproc/manifest"
	"github.com/chazu/vproc/stream"
)

// ---------------------------------------------------------------------------
// Construction and lifecycle
// ---------------------------------------------------------------------------

func TestNewProcess(t *testing.T) {
	l := &fakeLaunch{}
	rec := event.NewRecorder()
	attrs := map[string]string{"k": "v"}
	p := New(l, "proc", attrs, WithBus(rec))

	if p.IsTerminated() {
		t.Error("new process should not be terminated")
	}
	if !p.CanTerminate() {
		t.Error("new process should be terminable")
	}
	if p.State() != Created {
		t.Errorf("State() = %s, want created", p.State())
	}
	if p.Label() != "proc" {
		t.Errorf("Label() = %q, want proc", p.Label())
	}
	if !l.has(p) {
		t.Error("process not registered with its launch")
	}
	if kinds := rec.Kinds(); len(kinds) != 1 || kinds[0] != event.Create {
		t.Errorf("events = %v, want [create]", kinds)
	}

	// Attributes are copied.
	attrs["k"] = "changed"
	if v, _ := p.Attribute("k"); v != "v" {
		t.Errorf("Attribute(k) = %q, want v", v)
	}
}

func TestCreateEventAfterRegistration(t *testing.T) {
	l := &fakeLaunch{}
	d := event.NewDispatcher()
	registered := false
	d.Subscribe(func(e event.Event) {
		if e.Kind == event.Create {
			registered = l.has(e.Source.(Process))
		}
	})

	New(l, "proc", nil, WithBus(d))
	if !registered {
		t.Error("Create listener did not find the process among the launch's processes")
	}
}

func TestNewWithoutLaunch(t *testing.T) {
	p := New(nil, "headless", nil)
	if p.Launch() != nil {
		t.Error("Launch() should be nil")
	}
	p.Terminate()
	if !p.IsTerminated() {
		t.Error("headless process should terminate")
	}
}

func TestTerminateFiresEveryCall(t *testing.T) {
	rec := event.NewRecorder()
	p := New(&fakeLaunch{}, "proc", nil, WithBus(rec))

	p.Terminate()
	if !p.IsTerminated() || p.CanTerminate() {
		t.Error("process should be terminated")
	}
	if p.State() != Terminated {
		t.Errorf("State() = %s, want terminated", p.State())
	}
	p.Terminate()

	if n := rec.Count(event.Terminate); n != 2 {
		t.Errorf("Terminate events = %d, want 2", n)
	}
	select {
	case <-p.Done():
	default:
		t.Error("Done() should be closed after Terminate")
	}
}

func TestExitValueAlwaysZero(t *testing.T) {
	p := New(nil, "proc", nil)
	if p.ExitValue() != 0 {
		t.Errorf("ExitValue() before termination = %d, want 0", p.ExitValue())
	}

	env := &testEnv{}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(*testEnv) error { return errors.New("boom") },
	}}
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)
	if p.ExitValue() != 0 {
		t.Errorf("ExitValue() after failure = %d, want 0", p.ExitValue())
	}
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

func TestSetAttributeAlwaysFiresChange(t *testing.T) {
	rec := event.NewRecorder()
	p := New(nil, "proc", nil, WithBus(rec))

	p.SetAttribute("k", "v")
	if v, ok := p.Attribute("k"); !ok || v != "v" {
		t.Errorf("Attribute(k) = %q, %v; want v, true", v, ok)
	}
	p.SetAttribute("k", "v")

	if n := rec.Count(event.Change); n != 2 {
		t.Errorf("Change events = %d, want 2", n)
	}
	if _, ok := p.Attribute("missing"); ok {
		t.Error("Attribute(missing) should report absence")
	}
	all := p.Attributes()
	all["k"] = "mutated"
	if v, _ := p.Attribute("k"); v != "v" {
		t.Error("Attributes() should return a copy")
	}
}

// ---------------------------------------------------------------------------
// Run and the step loop
// ---------------------------------------------------------------------------

func TestRunReadsInputUntilEOF(t *testing.T) {
	rec := event.NewRecorder()
	env := &testEnv{}
	var got []rune
	var eofSeen bool
	flushedBeforeTerminate := false

	d := event.NewDispatcher()
	d.Subscribe(func(e event.Event) {
		if e.Kind == event.Terminate {
			flushedBeforeTerminate = env.flushCount() > 0
		}
	})

	readOne := func(env *testEnv) error {
		r, _, err := env.in.ReadRune()
		if err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		readOne,
		readOne,
		func(env *testEnv) error {
			_, _, err := env.in.ReadRune()
			eofSeen = err != nil
			return nil
		},
	}}

	p := New(&fakeLaunch{}, "reader", nil, WithBus(event.Multi(rec, d)))
	p.Streams().Write("ab")
	if err := p.Run(th, true); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	waitTerminated(t, p)

	if string(got) != "ab" {
		t.Errorf("read %q, want ab", string(got))
	}
	if !eofSeen {
		t.Error("third read should report end of input")
	}
	if n := rec.Count(event.Terminate); n != 1 {
		t.Errorf("Terminate events = %d, want 1", n)
	}
	if !flushedBeforeTerminate {
		t.Error("output was not flushed before Terminate")
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v, want nil", p.Err())
	}
	if p.Steps() != 3 {
		t.Errorf("Steps() = %d, want 3", p.Steps())
	}
}

func TestRunCapturesOutputDeltas(t *testing.T) {
	env := &testEnv{}
	write := func(s string) func(*testEnv) error {
		return func(env *testEnv) error {
			_, err := env.out.Write([]byte(s))
			return err
		}
	}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		write("he"), write("l"), write("lo"),
		func(env *testEnv) error {
			_, err := env.err.Write([]byte("warn"))
			return err
		},
	}}

	p := New(nil, "writer", nil)
	var notes []string
	p.Stdout().Subscribe(func(text string, _ *stream.Buffer) { notes = append(notes, "a:"+text) })
	p.Stdout().Subscribe(func(text string, _ *stream.Buffer) { notes = append(notes, "b:"+text) })

	if err := p.Run(th, true); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)

	if got := p.Stdout().Contents(); got != "hello" {
		t.Errorf("stdout = %q, want hello", got)
	}
	if got := p.Stderr().Contents(); got != "warn" {
		t.Errorf("stderr = %q, want warn", got)
	}
	want := "a:he,b:he,a:l,b:l,a:lo,b:lo"
	if strings.Join(notes, ",") != want {
		t.Errorf("notifications = %v, want %s", notes, want)
	}
}

func TestRunWithoutWiringLeavesEnvironment(t *testing.T) {
	env := &testEnv{}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(*testEnv) error { return nil },
	}}
	p := New(nil, "plain", nil)
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)
	if env.redirects != 0 {
		t.Errorf("redirects = %d, want 0", env.redirects)
	}
	if p.Environment() != Environment(env) {
		t.Error("environment not bound")
	}
	if threads := p.Threads(); len(threads) != 1 || threads[0] != Thread(th) {
		t.Errorf("Threads() = %v", threads)
	}
}

func TestRunTwice(t *testing.T) {
	env := &testEnv{}
	p := New(nil, "twice", nil, WithStepDelay(time.Millisecond))
	if err := p.Run(&foreverThread{env: env}, true); err != nil {
		t.Fatal(err)
	}
	defer p.Terminate()

	if p.State() != Running {
		t.Errorf("State() = %s, want running", p.State())
	}
	if err := p.Run(&foreverThread{env: env}, true); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run error = %v, want ErrAlreadyRunning", err)
	}
	env.mu.Lock()
	redirects := env.redirects
	env.mu.Unlock()
	if redirects != 1 {
		t.Errorf("environment wired %d times, want 1", redirects)
	}
}

func TestRunPreconditions(t *testing.T) {
	p := New(nil, "pre", nil)
	if err := p.Run(nil, false); !errors.Is(err, ErrNilThread) {
		t.Errorf("Run(nil) error = %v, want ErrNilThread", err)
	}
	if err := p.Run(&scriptedThread{}, true); !errors.Is(err, ErrNoEnvironment) {
		t.Errorf("Run without environment error = %v, want ErrNoEnvironment", err)
	}

	p.Terminate()
	err := p.Run(&scriptedThread{env: &testEnv{}, steps: []func(*testEnv) error{}}, false)
	if !errors.Is(err, ErrTerminated) {
		t.Errorf("Run after Terminate error = %v, want ErrTerminated", err)
	}
	if p.State() != Terminated {
		t.Errorf("State() = %s, want terminated", p.State())
	}
}

func TestExternalTerminateStopsLoop(t *testing.T) {
	rec := event.NewRecorder()
	env := &testEnv{}
	p := New(nil, "forever", nil, WithBus(rec))
	if err := p.Run(&foreverThread{env: env}, true); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	p.Terminate()
	waitTerminated(t, p)

	// The loop flushes on its way out without firing a second Terminate.
	deadline := time.Now().Add(2 * time.Second)
	for env.flushCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if env.flushCount() == 0 {
		t.Error("loop did not flush after external termination")
	}
	time.Sleep(5 * time.Millisecond)
	if n := rec.Count(event.Terminate); n != 1 {
		t.Errorf("Terminate events = %d, want 1", n)
	}
	if p.Err() != nil {
		t.Errorf("Err() = %v, want nil", p.Err())
	}
}

func TestTerminationWinsOverCompletion(t *testing.T) {
	rec := event.NewRecorder()
	env := &testEnv{}
	entered := make(chan struct{})
	release := make(chan struct{})
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(*testEnv) error {
			close(entered)
			<-release
			return nil
		},
	}}

	p := New(nil, "race", nil, WithBus(rec))
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	<-entered
	p.Terminate()
	close(release)

	// The thread is now complete too; the loop must see termination first.
	deadline := time.Now().Add(2 * time.Second)
	for env.flushCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	if n := rec.Count(event.Terminate); n != 1 {
		t.Errorf("Terminate events = %d, want 1", n)
	}
}

func TestCompletionAfterExternalTerminate(t *testing.T) {
	rec := event.NewRecorder()
	p := New(nil, "late", nil, WithBus(rec))
	th := &terminatingThread{p: p}
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)

	// Give a second Terminate from the loop a chance to land.
	time.Sleep(10 * time.Millisecond)
	if n := rec.Count(event.Terminate); n != 1 {
		t.Errorf("Terminate events = %d, want 1", n)
	}
}

func TestOutputListenerCanChangeProcess(t *testing.T) {
	env := &testEnv{}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(env *testEnv) error {
			_, err := env.out.Write([]byte("ready"))
			return err
		},
	}}

	var snaps []Snapshot
	bus := event.BusFunc(func(source any, kind event.Kind) {
		if vp, ok := source.(*VirtualProcess); ok && kind == event.Change {
			snaps = append(snaps, vp.Snapshot())
		}
	})
	p := New(nil, "observed", nil, WithBus(bus))
	p.Stdout().Subscribe(func(text string, src *stream.Buffer) {
		p.SetAttribute("seen", src.Contents())
	})

	if err := p.Run(th, true); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)

	if v, _ := p.Attribute("seen"); v != "ready" {
		t.Errorf("Attribute(seen) = %q, want ready", v)
	}
	if len(snaps) != 1 || snaps[0].StdoutLen != 5 || snaps[0].Attributes["seen"] != "ready" {
		t.Errorf("change snapshots = %+v", snaps)
	}
}

func TestStepFailureTerminatesWithError(t *testing.T) {
	rec := event.NewRecorder()
	boom := errors.New("boom")
	env := &testEnv{}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(*testEnv) error { return nil },
		func(*testEnv) error { return boom },
		func(*testEnv) error { t.Error("step after failure ran"); return nil },
	}}

	var errAtTerminate error
	d := event.NewDispatcher()
	p := New(nil, "failing", nil, WithBus(event.Multi(rec, d)))
	d.Subscribe(func(e event.Event) {
		if e.Kind == event.Terminate {
			errAtTerminate = p.Err()
		}
	})
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)

	var stepErr *StepError
	if !errors.As(p.Err(), &stepErr) {
		t.Fatalf("Err() = %v, want *StepError", p.Err())
	}
	if stepErr.Step != 2 || !errors.Is(p.Err(), boom) {
		t.Errorf("StepError = %+v", stepErr)
	}
	if errAtTerminate == nil {
		t.Error("failure should be visible to Terminate listeners")
	}
	if n := rec.Count(event.Terminate); n != 1 {
		t.Errorf("Terminate events = %d, want 1", n)
	}
	if env.flushCount() == 0 {
		t.Error("output not flushed after failure")
	}
}

func TestStepPanicIsCaptured(t *testing.T) {
	env := &testEnv{}
	th := &scriptedThread{env: env, steps: []func(*testEnv) error{
		func(*testEnv) error { panic("kaboom") },
	}}
	p := New(nil, "panicky", nil)
	if err := p.Run(th, false); err != nil {
		t.Fatal(err)
	}
	waitTerminated(t, p)

	var panicErr *PanicError
	if !errors.As(p.Err(), &panicErr) {
		t.Fatalf("Err() = %v, want *PanicError", p.Err())
	}
	if panicErr.Value != "kaboom" {
		t.Errorf("panic value = %v, want kaboom", panicErr.Value)
	}
}

func TestMaxSteps(t *testing.T) {
	p := New(nil, "bounded", nil, WithMaxSteps(3))
	if err := p.Run(&foreverThread{env: &testEnv{}}, false); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(context.Background()); !errors.Is(err, ErrStepLimit) {
		t.Errorf("Wait error = %v, want ErrStepLimit", err)
	}
	if p.Steps() != 3 {
		t.Errorf("Steps() = %d, want 3", p.Steps())
	}
}

func TestWaitContext(t *testing.T) {
	p := New(nil, "waiting", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
}

func TestAddThreadAndSnapshot(t *testing.T) {
	p := New(nil, "snap", map[string]string{"a": "1"})
	p.AddThread(&foreverThread{})
	p.AddThread(nil)
	p.Stdout().Append("xyz")

	s := p.Snapshot()
	if s.Label != "snap" || s.State != Created || s.Threads != 1 {
		t.Errorf("Snapshot() = %+v", s)
	}
	if s.StdoutLen != 3 || s.StderrLen != 0 || s.Attributes["a"] != "1" {
		t.Errorf("Snapshot() = %+v", s)
	}
	if !strings.Contains(p.String(), "snap") {
		t.Errorf("String() = %q", p.String())
	}
}

// ---------------------------------------------------------------------------
// Capability lookup
// ---------------------------------------------------------------------------

func TestAsSelf(t *testing.T) {
	p := New(nil, "self", nil)

	a, ok := p.As(CapProcess)
	if !ok || a.Process != Process(p) || a.Capability != CapProcess {
		t.Errorf("As(CapProcess) = %+v, %v", a, ok)
	}
	a, ok = p.As(CapVirtualProcess)
	if !ok || a.VirtualProcess != p {
		t.Errorf("As(CapVirtualProcess) = %+v, %v", a, ok)
	}
	if _, ok := p.As(Capability(99)); ok {
		t.Error("unknown capability should resolve to none")
	}
	if _, ok := p.As(CapLaunch); ok {
		t.Error("process without launch should not resolve CapLaunch")
	}
}

func TestAsDebugTarget(t *testing.T) {
	l := &fakeLaunch{}
	p := New(l, "debuggee", nil)
	other := New(l, "other", nil)

	if _, ok := p.As(CapDebugTarget); ok {
		t.Error("no target registered: As(CapDebugTarget) should be none")
	}

	otherTarget := &fakeTarget{proc: other}
	target := &fakeTarget{proc: p}
	l.targets = []DebugTarget{otherTarget, target}

	a, ok := p.As(CapDebugTarget)
	if !ok || a.DebugTarget != DebugTarget(target) {
		t.Errorf("As(CapDebugTarget) = %+v, %v; want target for p", a, ok)
	}
}

func TestAsLaunchAndConfiguration(t *testing.T) {
	l := &fakeLaunch{}
	p := New(l, "launched", nil)

	a, ok := p.As(CapLaunch)
	if !ok || a.Launch != Launch(l) {
		t.Errorf("As(CapLaunch) = %+v, %v", a, ok)
	}
	if _, ok := p.As(CapLaunchConfiguration); ok {
		t.Error("launch without configuration should resolve to none")
	}

	l.cfg = manifest.Default()
	a, ok = p.As(CapLaunchConfiguration)
	if !ok || a.Configuration != l.cfg {
		t.Errorf("As(CapLaunchConfiguration) = %+v, %v", a, ok)
	}
}

func TestCapabilityString(t *testing.T) {
	if CapDebugTarget.String() != "debug-target" {
		t.Errorf("CapDebugTarget.String() = %q", CapDebugTarget.String())
	}
	if Capability(0).String() != "capability(0)" {
		t.Errorf("Capability(0).String() = %q", Capability(0).String())
	}
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

func TestFactory(t *testing.T) {
	rec := event.NewRecorder()
	f := NewFactory(WithBus(rec))
	if f.ID() != FactoryID {
		t.Errorf("ID() = %q, want %q", f.ID(), FactoryID)
	}
	l := &fakeLaunch{}
	p := f.NewProcess(l, "made", map[string]string{"x": "y"})
	if !l.has(p) {
		t.Error("factory process not registered")
	}
	if rec.Count(event.Create) != 1 {
		t.Errorf("Create events = %d, want 1", rec.Count(event.Create))
	}
}
