package process

import (
	"fmt"
	"time"
)

// Run binds t to the process and starts driving it on the process runner.
//
// The process adopts t's environment and appends t to its threads. When
// wire is true the environment's stdout and stderr are redirected into the
// process buffers and its stdin reads from the process queue. Wiring and
// binding complete before the step loop starts.
//
// Run succeeds at most once per process; later calls return
// ErrAlreadyRunning without touching the environment. Run on a terminated
// process returns ErrTerminated.
func (p *VirtualProcess) Run(t Thread, wire bool) error {
	if t == nil {
		return ErrNilThread
	}
	env := t.Environment()
	if wire && env == nil {
		return ErrNoEnvironment
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if p.terminated.Load() {
		return ErrTerminated
	}

	p.mu.Lock()
	p.environment = env
	p.threads = append(p.threads, t)
	p.mu.Unlock()

	if wire {
		env.Redirect(p.streams.Stdout.Writer(), p.streams.Stderr.Writer(), p.streams.Stdin)
	}

	log.Infof("running process %q (wire-io=%t)", p.label, wire)
	s := &scheduler{
		p:         p,
		thread:    t,
		env:       env,
		stepDelay: p.cfg.stepDelay,
		maxSteps:  p.cfg.maxSteps,
	}
	p.cfg.runner.Go(s.run)
	return nil
}

// scheduler drives one thread until it completes, fails or its process is
// terminated.
//
// Each iteration reads the termination flag before the completion
// predicate, and the loop claims termination with a compare-and-swap, so an
// external Terminate wins over a thread that finished in the same
// iteration and a completion never adds a second Terminate event. A step is never preempted: cancellation latency is
// one step plus the optional step delay.
type scheduler struct {
	p         *VirtualProcess
	thread    Thread
	env       Environment
	stepDelay time.Duration
	maxSteps  int
}

func (s *scheduler) run() {
	steps := 0
	for {
		if s.p.terminated.Load() {
			s.flush()
			log.Debugf("process %q: terminated externally after %d steps", s.p.label, steps)
			return
		}
		if s.thread.Completed() {
			s.flush()
			if s.p.terminateIfRunning() {
				log.Infof("process %q: completed after %d steps", s.p.label, steps)
			}
			return
		}
		if s.maxSteps > 0 && steps >= s.maxSteps {
			s.fail(fmt.Errorf("%w (%d)", ErrStepLimit, s.maxSteps))
			return
		}

		steps++
		err := s.step()
		s.p.mu.Lock()
		s.p.steps = steps
		s.p.mu.Unlock()
		if err != nil {
			s.fail(&StepError{Step: steps, Err: err})
			return
		}

		if s.stepDelay > 0 {
			time.Sleep(s.stepDelay)
		}
	}
}

// step runs one step, converting a panic into an error.
func (s *scheduler) step() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return s.thread.Step()
}

// fail records err, flushes output and terminates the process. The failure
// is stored before the Terminate event so listeners can read it.
func (s *scheduler) fail(err error) {
	log.Warningf("process %q: %v", s.p.label, err)
	s.p.mu.Lock()
	if s.p.failure == nil {
		s.p.failure = err
	}
	s.p.mu.Unlock()

	s.flush()
	s.p.terminateIfRunning()
}

func (s *scheduler) flush() {
	f, ok := s.env.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		log.Warningf("process %q: flushing output: %v", s.p.label, err)
	}
}
