package engine

import "sync"

// taskQueue is a thread-safe FIFO of loop tasks.
//
// The queue is unbounded so that handler callbacks can enqueue follow-up
// requests without ever blocking the loop. Enqueuing is safe from any
// goroutine; only the loop dequeues.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered size 1, coalesces wakeups
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

func (q *taskQueue) enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) tryDequeue() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	fn := q.tasks[0]

	// Nil out the slot so the backing array does not retain the closure.
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return fn, true
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// loop runs tasks in FIFO order on a single goroutine. Every request
// settlement, handler invocation and transaction state transition
// happens here, which is what makes per-transaction completion order
// equal issue order.
type loop struct {
	queue *taskQueue
	done  chan struct{}
}

func startLoop() *loop {
	l := &loop{queue: newTaskQueue(), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		if fn, ok := l.queue.tryDequeue(); ok {
			fn()
			continue
		}
		if l.queue.isClosed() {
			return
		}
		<-l.queue.signal
	}
}

func (l *loop) enqueue(fn func()) bool {
	return l.queue.enqueue(fn)
}

// stop drains remaining tasks and waits for the loop goroutine to exit.
// Must not be called from a loop task.
func (l *loop) stop() {
	l.queue.close()
	<-l.done
}
