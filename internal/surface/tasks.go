package surface

import "sync"

// executor runs posted tasks in order on one goroutine. Posting never
// blocks: a saturated queue refuses the task instead of stalling the
// caller, which keeps encode and capture paths free of display round
// trips.
type executor struct {
	mu     sync.Mutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

func newExecutor(depth int) *executor {
	e := &executor{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)
	for task := range e.tasks {
		task()
	}
}

// post schedules a task, reporting false when the queue is full or the
// executor has closed.
func (e *executor) post(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// close drains queued tasks and stops the worker. Idempotent; posts that
// lose the race to close are refused, not stranded.
func (e *executor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.tasks)
	<-e.done
}
