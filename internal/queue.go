package internal

import (
	"sync"

	"github.com/eapache/queue"
)

// control is a message addressed to one worker. It is applied between work
// items and answered exactly once on done.
type control struct {
	apply func(c *ScriptContext) error
	done  chan error
}

func newControl(apply func(c *ScriptContext) error) *control {
	return &control{apply: apply, done: make(chan error, 1)}
}

// lane holds what a single worker must see before any shared work.
type lane struct {
	controls []*control
	stop     bool
}

// task is what a worker takes next: a control, a work item, or neither,
// which means exit.
type task struct {
	ctl  *control
	item *WorkItem
}

// WorkQueue is the FIFO all workers take work from, plus one control lane per
// worker. A waiting worker wakes for either.
type WorkQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	lanes  map[int]*lane
	closed bool
}

func newWorkQueue() *WorkQueue {
	q := &WorkQueue{
		items: queue.New(),
		lanes: make(map[int]*lane),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends item. It fails once the queue is closed.
func (q *WorkQueue) put(item *WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrPoolShuttingDown
	}
	q.items.Add(item)
	q.cond.Signal()
	return nil
}

// take blocks until worker id has something to do. Controls come first, then
// a pending stop, then shared items in arrival order.
func (q *WorkQueue) take(id int) task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		l := q.lanes[id]
		if l == nil {
			return task{}
		}
		if len(l.controls) > 0 {
			c := l.controls[0]
			l.controls[0] = nil
			l.controls = l.controls[1:]
			return task{ctl: c}
		}
		if l.stop || q.closed {
			return task{}
		}
		if q.items.Length() > 0 {
			return task{item: q.items.Remove().(*WorkItem)}
		}
		q.cond.Wait()
	}
}

func (q *WorkQueue) join(id int) {
	q.mu.Lock()
	q.lanes[id] = &lane{}
	q.mu.Unlock()
}

// leave removes the lane of id and answers whatever was still addressed to
// it, so no broadcast waits on a worker that is gone.
func (q *WorkQueue) leave(id int) {
	q.mu.Lock()
	l := q.lanes[id]
	delete(q.lanes, id)
	q.mu.Unlock()

	if l != nil {
		for _, c := range l.controls {
			c.done <- nil
		}
	}
}

// signal delivers c to every current lane and returns the controls to wait on.
func (q *WorkQueue) signal(apply func(c *ScriptContext) error) []*control {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctls := make([]*control, 0, len(q.lanes))
	for _, l := range q.lanes {
		c := newControl(apply)
		l.controls = append(l.controls, c)
		ctls = append(ctls, c)
	}
	q.cond.Broadcast()
	return ctls
}

// stop asks worker id to exit after its pending controls.
func (q *WorkQueue) stop(id int) {
	q.mu.Lock()
	if l := q.lanes[id]; l != nil {
		l.stop = true
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// purge removes every queued item matching fn, keeping the order of the rest.
func (q *WorkQueue) purge(fn func(item *WorkItem) bool) []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var purged []*WorkItem
	kept := queue.New()
	for q.items.Length() > 0 {
		item := q.items.Remove().(*WorkItem)
		if fn(item) {
			purged = append(purged, item)
		} else {
			kept.Add(item)
		}
	}
	q.items = kept
	return purged
}

// close refuses further items and returns the ones never started.
func (q *WorkQueue) close() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := make([]*WorkItem, 0, q.items.Length())
	for q.items.Length() > 0 {
		drained = append(drained, q.items.Remove().(*WorkItem))
	}
	q.cond.Broadcast()
	return drained
}

func (q *WorkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
