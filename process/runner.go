package process

import "sync"

// Runner executes background tasks. Go must run task exactly once,
// asynchronously, with no ordering guarantee relative to other tasks.
type Runner interface {
	Go(task func())
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(task func())

func (f RunnerFunc) Go(task func()) { f(task) }

// GoRunner starts one goroutine per task.
var GoRunner Runner = RunnerFunc(func(task func()) { go task() })

// Pool runs tasks on a fixed set of worker goroutines.
//
// A step loop holds its worker until the process terminates, so the worker
// count bounds how many processes step at the same time. Processes beyond
// that wait in the queue in the Running state.
type Pool struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.RWMutex // held for reading while submitting
	stopped bool
}

// NewPool creates a Pool and starts its workers. Non-positive arguments
// default to one worker and a queue of 64.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	p := &Pool{
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

// loop processes tasks sequentially on one worker goroutine.
func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		case <-p.quit:
			return
		}
	}
}

// execute runs a task, recovering from panics so the worker survives.
func (p *Pool) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pool task panicked: %v", r)
		}
	}()
	task()
}

// Go queues task, blocking while the queue is full. After Stop, tasks run
// on their own goroutine so none is lost.
func (p *Pool) Go(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		go p.execute(task)
		return
	}
	select {
	case p.tasks <- task:
	case <-p.quit:
		go p.execute(task)
	}
}

// Stop shuts the workers down once their current tasks return. Queued tasks
// that no worker picked up run on dedicated goroutines.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.wg.Wait()
		for {
			select {
			case task := <-p.tasks:
				log.Warning("pool stopped; running queued task on a dedicated goroutine")
				go p.execute(task)
			default:
				return
			}
		}
	})
}
