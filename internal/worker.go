package internal

import (
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-hclog"

	"npool/internal/builtin"
)

type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateBusy
	StateShuttingDown
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// testHookBeforeExecute runs on the worker goroutine right before an item is
// handed to the script. A panic in it counts as a scheduling fault.
var testHookBeforeExecute func(worker *Worker, item *WorkItem)

// Worker is one thread of the pool: a goroutine that owns a ScriptContext and
// takes work from the shared queue.
type Worker struct {
	id     int
	pool   *WorkerPool
	ctx    *ScriptContext
	defers []func()
	logger hclog.Logger
	state  int32

	current *WorkItem // taken from the queue, completion not yet posted
	control *control  // taken from the lane, not yet answered

	stopping bool // retired by Resize, guarded by pool.mu
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		logger: pool.logger.Named("worker").With("id", id),
	}
}

func (w *Worker) Id() int {
	return w.id
}

func (w *Worker) Runtime() *goja.Runtime {
	return w.ctx.runtime
}

func (w *Worker) EventLoop() *builtin.EventLoop {
	return w.ctx.loop
}

func (w *Worker) Logger() hclog.Logger {
	return w.logger
}

func (w *Worker) State() WorkerState {
	return WorkerState(atomic.LoadInt32(&w.state))
}

func (w *Worker) setState(s WorkerState) {
	atomic.StoreInt32(&w.state, int32(s))
}

// AddDefer registers d to run when the current work item ends.
func (w *Worker) AddDefer(d func()) {
	w.defers = append(w.defers, d)
}

func (w *Worker) CleanDefers() {
	if len(w.defers) == 0 {
		return
	}

	for _, d := range w.defers {
		d()
	}

	w.defers = make([]func(), 0)
}

// Reset releases what the last work item left behind: handles registered with
// AddDefer, pending timers and any interrupt.
func (w *Worker) Reset() {
	w.CleanDefers()
	w.ctx.runtime.ClearInterrupt()
	w.ctx.loop.Reset()
}

// rebuild replaces the context with a fresh one holding every module in the
// registry.
func (w *Worker) rebuild() {
	w.ctx = newScriptContext(w, w.pool.opts.MaxCallStackSize)
	w.ctx.install()
	for _, mod := range w.pool.registry.Snapshot() {
		if err := w.ctx.evaluate(mod); err != nil {
			w.logger.Error("module failed to evaluate", "key", mod.Key, "error", err)
		}
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.fault(r)
		}
	}()

	w.rebuild()
	w.logger.Debug("worker started", "modules", len(w.ctx.instances))

	for {
		t := w.pool.queue.take(w.id)
		switch {
		case t.ctl != nil:
			w.control = t.ctl
			err := t.ctl.apply(w.ctx)
			w.control = nil
			t.ctl.done <- err
		case t.item != nil:
			w.process(t.item)
		default:
			w.setState(StateShuttingDown)
			w.exit()
			return
		}
		if w.ctx.broken {
			w.logger.Warn("context rebuilt after a panic in native code")
			w.rebuild()
		}
	}
}

func (w *Worker) process(item *WorkItem) {
	w.current = item
	w.setState(StateBusy)

	if testHookBeforeExecute != nil {
		testHookBeforeExecute(w, item)
	}

	record := &CompletionRecord{WorkID: item.WorkID, FileKey: item.FileKey, Worker: w.id}
	record.Result, record.Failure = w.ctx.invoke(item)
	if record.Failure != nil {
		LogWithError(record.Failure, w)
	}
	w.current = nil
	w.pool.complete(item, record)

	w.setState(StateIdle)
}

func (w *Worker) exit() (stopping bool) {
	w.pool.queue.leave(w.id)
	w.pool.mu.Lock()
	stopping = w.stopping
	delete(w.pool.workers, w.id)
	w.pool.mu.Unlock()
	w.setState(StateTerminated)
	w.logger.Debug("worker stopped")
	return stopping
}

// fault handles a panic that escaped the work loop. The item in hand fails
// with a scheduling fault and a replacement worker is started.
func (w *Worker) fault(r interface{}) {
	e := errors.Wrap(r, 3)
	w.logger.Error("worker crashed", "error", e.Error(), "stack", string(e.Stack()))

	if item := w.current; item != nil {
		w.current = nil
		w.pool.complete(item, &CompletionRecord{
			WorkID:  item.WorkID,
			FileKey: item.FileKey,
			Worker:  w.id,
			Failure: faultFailure(r),
		})
	}
	if c := w.control; c != nil { // the replacement replays the registry instead
		w.control = nil
		c.done <- nil
	}
	go w.pool.replace(w, w.exit())
}
