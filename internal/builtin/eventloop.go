package builtin

import (
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"
)

func init() {
	Builtins = append(Builtins, func(worker Worker) {
		runtime, loop := worker.Runtime(), worker.EventLoop()

		runtime.Set("setTimeout", func(call goja.FunctionCall) goja.Value { // must return a single goja.Value, strict mode callers cannot touch arguments otherwise
			value, err := loop.NewTimeoutOrInterval(call, false)
			if err != nil {
				panic(runtime.NewTypeError(err.Error()))
			}
			return runtime.ToValue(value)
		})
		runtime.Set("clearTimeout", func(t *Timeout) {
			if t != nil && t.trigger.Cancel() {
				t.stop()
			}
		})

		runtime.Set("setInterval", func(call goja.FunctionCall) goja.Value {
			value, err := loop.NewTimeoutOrInterval(call, true)
			if err != nil {
				panic(runtime.NewTypeError(err.Error()))
			}
			return runtime.ToValue(value)
		})
		runtime.Set("clearInterval", func(i *Interval) {
			if i != nil && i.trigger.Cancel() {
				i.stop()
			}
		})
	})
}

//#region event loop

// EventLoop runs the asynchronous tail of one work item on the worker's own
// goroutine. Timers fire on other goroutines and only hand tasks over.
type EventLoop struct {
	mu    sync.Mutex
	tasks chan func()
	gen   uint64   // bumped by Reset; tasks of an older generation are dropped
	stops []func() // timers still armed
	count int      // pending triggers, touched only on the worker goroutine
	err   error    // first exception thrown by a timer callback
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		tasks: make(chan func(), 64),
	}
}

// Run executes main and then every task it scheduled, until no trigger is
// pending. It stops early once a timer callback throws and returns that
// exception instead of the value of main.
func (l *EventLoop) Run(main func() (goja.Value, error)) (goja.Value, error) {
	value, err := main()
	if err != nil {
		return nil, err
	}

	for l.count > 0 && l.err == nil {
		task := <-l.tasks
		task()
	}

	if l.err != nil {
		return nil, l.err
	}
	return value, nil
}

// call runs a timer callback and keeps its exception for Run.
func (l *EventLoop) call(fn goja.Callable, params []goja.Value) {
	if _, err := fn(nil, params...); err != nil && l.err == nil {
		l.err = err
	}
}

// Pending is the number of triggers that keep Run going.
func (l *EventLoop) Pending() int {
	return l.count
}

// Reset disarms every timer of the previous work item and discards its
// queued tasks.
func (l *EventLoop) Reset() {
	l.mu.Lock()
	l.gen++
	stops := l.stops
	l.stops = nil
	l.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	l.count = 0
	l.err = nil
	for len(l.tasks) > 0 {
		<-l.tasks
	}
}

func (l *EventLoop) arm(stop func()) {
	l.mu.Lock()
	l.stops = append(l.stops, stop)
	l.mu.Unlock()
}

//#endregion

//#region triggers and timers

type EventTaskTrigger struct {
	cancelled bool
	gen       uint64
	loop      *EventLoop
}

// AddTask hands fn to the loop. It may be called from any goroutine and gives
// up once done is closed. Tasks of a reset generation never run.
func (t *EventTaskTrigger) AddTask(fn func(), done <-chan struct{}) {
	task := func() {
		t.loop.mu.Lock()
		stale := t.gen != t.loop.gen
		t.loop.mu.Unlock()
		if !stale {
			fn()
		}
	}
	select {
	case t.loop.tasks <- task:
	case <-done:
	}
}

func (t *EventTaskTrigger) IsCancelled() bool {
	return t.cancelled
}

func (t *EventTaskTrigger) Cancel() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.loop.count--
	return true
}

func (l *EventLoop) NewEventTaskTrigger() *EventTaskTrigger {
	l.count++
	l.mu.Lock()
	defer l.mu.Unlock()
	return &EventTaskTrigger{
		gen:  l.gen,
		loop: l,
	}
}

// timer is the part Timeout and Interval share: a done channel closed exactly
// once, by clear* or by Reset.
type timer struct {
	trigger *EventTaskTrigger
	done    chan struct{}
	once    sync.Once
}

func (t *timer) stop() {
	t.once.Do(func() {
		close(t.done)
	})
}

type Timeout struct {
	timer
}

type Interval struct {
	timer
}

func (l *EventLoop) NewTimeoutOrInterval(call goja.FunctionCall, isInterval bool) (interface{}, error) {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return nil, errors.New("invalid argument callback, not a function")
	}

	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond

	var params []goja.Value
	if len(call.Arguments) > 2 {
		params = append(params, call.Arguments[2:]...)
	}

	trigger := l.NewEventTaskTrigger()

	if isInterval {
		if delay <= 0 {
			delay = time.Millisecond
		}

		i := &Interval{timer{trigger: trigger, done: make(chan struct{})}}
		l.arm(i.stop)
		ticker := time.NewTicker(delay)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-i.done:
					return
				case <-ticker.C:
					i.trigger.AddTask(func() {
						if !i.trigger.IsCancelled() {
							l.call(fn, params)
						}
					}, i.done)
				}
			}
		}()
		return i, nil
	}

	o := &Timeout{timer{trigger: trigger, done: make(chan struct{})}}
	l.arm(o.stop)
	go func() {
		wait := time.NewTimer(delay)
		defer wait.Stop()
		select {
		case <-o.done:
		case <-wait.C:
			o.trigger.AddTask(func() {
				if o.trigger.Cancel() {
					l.call(fn, params)
				}
			}, o.done)
		}
	}()
	return o, nil
}

//#endregion
