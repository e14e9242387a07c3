package messaging

import (
	"sync"

	"github.com/tupyy/device-policy-ng/internal/containers"
)

type task func()

// worker runs the tasks of one endpoint one at a time in the order they were posted.
type worker struct {
	lock    sync.Mutex
	queue   *containers.Queue[task]
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newWorker() *worker {
	return &worker{
		queue: containers.NewQueue[task](),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// post queues t. It returns false if the worker is stopped.
func (w *worker) post(t task) bool {
	w.lock.Lock()
	if w.stopped {
		w.lock.Unlock()
		return false
	}
	w.queue.Push(t)
	w.lock.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}

	return true
}

func (w *worker) run() {
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.done:
			// tasks queued before stop still run
			w.drain()
			return
		}
	}
}

func (w *worker) drain() {
	for {
		w.lock.Lock()
		t, err := w.queue.Pop()
		w.lock.Unlock()
		if err != nil {
			return
		}
		t()
	}
}

func (w *worker) stop() {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.done)
}
