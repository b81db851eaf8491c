package internal

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-hclog"

	"npool/internal/value"
)

// Loop is the origin event loop. RunOnLoop schedules fn on the goroutine that
// owns the loop and reports false once the loop no longer accepts work.
type Loop interface {
	RunOnLoop(fn func()) bool
}

// CompletionRecord is what a worker hands back for one work item. Exactly one
// of Result and Failure is set.
type CompletionRecord struct {
	WorkID  int64
	FileKey int
	Worker  int // -1 when the item never reached a worker
	Result  *value.Value
	Failure *Failure
}

type delivery struct {
	item   *WorkItem
	record *CompletionRecord
}

// Bridge carries completion records from workers to the origin loop. Workers
// post from any goroutine; callbacks only run where Drain is called, which is
// either the Loop or whoever owns the Wake channel.
type Bridge struct {
	mu        sync.Mutex
	pending   *queue.Queue
	scheduled bool
	closed    bool

	loop   Loop
	wake   chan struct{}
	logger hclog.Logger

	delivered uint64
}

func newBridge(loop Loop, logger hclog.Logger) *Bridge {
	return &Bridge{
		pending: queue.New(),
		loop:    loop,
		wake:    make(chan struct{}, 1),
		logger:  logger.Named("bridge"),
	}
}

// post enqueues a record and wakes the origin if no drain is outstanding.
func (b *Bridge) post(item *WorkItem, record *CompletionRecord) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Error("completion posted after destroy", "work", record.WorkID)
		return
	}
	b.pending.Add(delivery{item: item, record: record})
	need := !b.scheduled
	b.scheduled = true
	b.mu.Unlock()

	if !need {
		return
	}
	if b.loop != nil && !b.loop.RunOnLoop(func() { b.Drain() }) {
		b.logger.Warn("origin loop refused a drain, completions wait for the next one")
		b.mu.Lock()
		b.scheduled = false
		b.mu.Unlock()
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake fires whenever records are waiting and no drain has been requested yet.
// Without a Loop the owner of this channel must call Drain.
func (b *Bridge) Wake() <-chan struct{} {
	return b.wake
}

// Drain runs the callback of every pending record on the calling goroutine
// and returns how many ran. Records are taken one at a time, so a callback
// may post more work or drain again.
func (b *Bridge) Drain() int {
	b.mu.Lock()
	b.scheduled = false
	b.mu.Unlock()

	n := 0
	for {
		b.mu.Lock()
		if b.pending.Length() == 0 {
			b.mu.Unlock()
			return n
		}
		d := b.pending.Remove().(delivery)
		b.mu.Unlock()

		b.deliver(d)
		n++
	}
}

func (b *Bridge) deliver(d delivery) {
	atomic.AddUint64(&b.delivered, 1)
	defer func() {
		if r := recover(); r != nil {
			e := errors.Wrap(r, 2)
			b.logger.Error("completion callback panicked", "work", d.record.WorkID, "error", e.Error(), "stack", string(e.Stack()))
		}
	}()

	if d.item.OnComplete == nil {
		if d.record.Failure != nil && d.record.Worker < 0 { // workers log their own
			b.logger.Error("work failed", "work", d.record.WorkID, "error", d.record.Failure.Message)
		}
		return
	}
	d.item.OnComplete(d.record.Result, d.record.WorkID, d.record.Failure)
}

// flush delivers everything still pending and then refuses new records.
func (b *Bridge) flush() int {
	n := b.Drain()
	b.mu.Lock()
	b.closed = true
	for b.pending.Length() > 0 { // posted by a callback during the drain above
		d := b.pending.Remove().(delivery)
		b.mu.Unlock()
		b.deliver(d)
		n++
		b.mu.Lock()
	}
	b.mu.Unlock()
	return n
}

// Delivered counts callbacks run so far.
func (b *Bridge) Delivered() uint64 {
	return atomic.LoadUint64(&b.delivered)
}
