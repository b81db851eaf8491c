package internal

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-hclog"

	"npool/internal/value"
)

// Callback receives the outcome of one work item on the origin loop. Exactly
// one of result and failure is non-nil.
type Callback func(result *value.Value, workID int64, failure *Failure)

// WorkItem asks for Function, exported by the module under FileKey, to be
// called with Params. WorkID is the caller's and is passed back untouched.
type WorkItem struct {
	WorkID     int64
	FileKey    int
	Function   string
	Params     value.Value
	OnComplete Callback
}

type Options struct {
	Workers          int
	MaxCallStackSize int          // defaults to 2048
	Registry         *Registry    // shared with whoever outlives the pool; a new one if nil
	Loop             Loop         // origin loop; if nil the owner of Bridge().Wake() drains
	Logger           hclog.Logger // defaults to hclog.Default()
}

type Stats struct {
	Workers   int
	Busy      int
	Queued    int
	Modules   int
	Completed uint64
	Failed    uint64
}

// WorkerPool runs script functions on a set of workers, each with its own
// runtime, and delivers their outcomes through a Bridge.
//
// In-flight items always finish; Destroy fails the queued ones instead of
// running them, trading completeness for a bounded shutdown.
type WorkerPool struct {
	opts     Options
	registry *Registry
	queue    *WorkQueue
	bridge   *Bridge
	logger   hclog.Logger

	admin     sync.Mutex // serializes load, remove, resize and destroy
	destroyed bool

	mu      sync.Mutex // guards workers, nextID and Worker.stopping
	workers map[int]*Worker
	nextID  int
	wg      sync.WaitGroup

	closing   int32
	completed uint64
	failed    uint64
}

// New starts a pool of opts.Workers workers. Modules already in opts.Registry
// are evaluated by every worker before it takes work.
func New(opts Options) (*WorkerPool, error) {
	if opts.Workers < 1 {
		return nil, errors.Errorf("%w: worker count %d, need at least 1", ErrInvalidConfig, opts.Workers)
	}
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = 2048
	}
	if opts.Logger == nil {
		opts.Logger = hclog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	p := &WorkerPool{
		opts:     opts,
		registry: opts.Registry,
		queue:    newWorkQueue(),
		bridge:   newBridge(opts.Loop, opts.Logger),
		logger:   opts.Logger.Named("pool"),
		workers:  make(map[int]*Worker),
	}

	p.admin.Lock()
	for i := 0; i < opts.Workers; i++ {
		p.spawn()
	}
	p.admin.Unlock()

	p.logger.Info("pool created", "workers", opts.Workers, "modules", len(p.registry.Keys()))
	return p, nil
}

func (p *WorkerPool) Registry() *Registry {
	return p.registry
}

func (p *WorkerPool) Bridge() *Bridge {
	return p.bridge
}

// spawn starts one worker; admin must be held.
func (p *WorkerPool) spawn() *Worker {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	w := newWorker(id, p)
	p.workers[id] = w
	p.mu.Unlock()

	p.queue.join(id)
	p.wg.Add(1)
	go w.run()
	return w
}

// replace starts a worker in place of one that crashed, unless the pool is
// going away or the crashed worker was being retired anyway.
func (p *WorkerPool) replace(crashed *Worker, stopping bool) {
	p.admin.Lock()
	defer p.admin.Unlock()
	if p.destroyed || atomic.LoadInt32(&p.closing) == 1 || stopping {
		return
	}
	w := p.spawn()
	p.logger.Warn("worker replaced", "crashed", crashed.id, "replacement", w.id)
}

// broadcast applies fn in every live worker between work items and waits for
// all of them. The first error is returned.
func (p *WorkerPool) broadcast(fn func(c *ScriptContext) error) error {
	return await(p.queue.signal(fn))
}

func await(ctls []*control) error {
	var first error
	for _, c := range ctls {
		if err := <-c.done; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadFile compiles sourceOrPath and publishes it under key in every worker.
// Loading a key again replaces it; no item ever runs against a mix of the two.
func (p *WorkerPool) LoadFile(key int, sourceOrPath string) error {
	mod, err := Compile(key, sourceOrPath)
	if err != nil {
		return err
	}
	return p.Load(mod)
}

// Load publishes an already compiled module in two steps. Every worker first
// evaluates it aside; if any of them fails the staged copies are thrown away,
// key keeps its previous state everywhere and ErrLoad is returned. Only then
// is it published and swapped in, ahead of any item queued afterwards.
func (p *WorkerPool) Load(mod *Module) error {
	p.admin.Lock()
	defer p.admin.Unlock()

	if err := p.broadcast(func(c *ScriptContext) error { return c.stage(mod) }); err != nil {
		_ = p.broadcast(func(c *ScriptContext) error {
			c.discard(mod.Key)
			return nil
		})
		p.logger.Error("file failed to load", "key", mod.Key, "name", mod.Name, "error", err)
		if !errors.Is(err, ErrLoad) {
			err = errors.Errorf("%w: file key %d: %s", ErrLoad, mod.Key, err)
		}
		return err
	}

	// held until every lane has the commit, so an item for key can only be
	// taken by a worker that has swapped it in
	p.registry.mu.Lock()
	p.registry.put(mod)
	ctls := p.queue.signal(func(c *ScriptContext) error { return c.commit(mod) })
	p.registry.mu.Unlock()

	if err := await(ctls); err != nil {
		p.logger.Error("worker failed to commit a staged file", "key", mod.Key, "error", err)
	}
	p.logger.Info("file loaded", "key", mod.Key, "name", mod.Name, "version", mod.Version)
	return nil
}

// RemoveFile unpublishes key. Queued items for it fail with ErrUnknownModule;
// RemoveFile returns once no worker is still running one.
func (p *WorkerPool) RemoveFile(key int) error {
	p.admin.Lock()
	defer p.admin.Unlock()

	if !p.unload(key) {
		return errors.Errorf("%w: %d", ErrNotFound, key)
	}
	p.logger.Info("file removed", "key", key)
	return nil
}

func (p *WorkerPool) unload(key int) bool {
	p.registry.mu.Lock()
	if _, ok := p.registry.remove(key); !ok {
		p.registry.mu.Unlock()
		return false
	}
	purged := p.queue.purge(func(item *WorkItem) bool { return item.FileKey == key })
	p.registry.mu.Unlock()

	for _, item := range purged {
		p.complete(item, &CompletionRecord{
			WorkID:  item.WorkID,
			FileKey: key,
			Worker:  -1,
			Failure: newFailure(ErrUnknownModule, "%s: file key %d was removed before the work started", ErrUnknownModule.Error(), key),
		})
	}

	// the barrier: every worker has finished whatever it was running
	_ = p.broadcast(func(c *ScriptContext) error {
		c.drop(key)
		return nil
	})
	return true
}

// QueueWork validates item.FileKey and enqueues a copy of item. It never
// blocks on the workers. Items start in queue order on each worker, but
// completions arrive in the order workers finish them.
func (p *WorkerPool) QueueWork(item WorkItem) error {
	if atomic.LoadInt32(&p.closing) == 1 {
		return ErrPoolShuttingDown
	}

	// held until the item is queued, so a concurrent remove purges it
	p.registry.mu.RLock()
	defer p.registry.mu.RUnlock()

	if _, ok := p.registry.modules[item.FileKey]; !ok {
		return errors.Errorf("%w: file key %d", ErrUnknownModule, item.FileKey)
	}
	return p.queue.put(&item)
}

func (p *WorkerPool) complete(item *WorkItem, record *CompletionRecord) {
	if record.Failure != nil {
		atomic.AddUint64(&p.failed, 1)
	} else {
		atomic.AddUint64(&p.completed, 1)
	}
	p.bridge.post(item, record)
}

// Resize grows or shrinks the pool to n workers. New workers evaluate every
// loaded module first; surplus workers finish their current item and stop.
func (p *WorkerPool) Resize(n int) error {
	if n < 1 {
		return errors.Errorf("%w: worker count %d, need at least 1", ErrInvalidConfig, n)
	}

	p.admin.Lock()
	defer p.admin.Unlock()
	if p.destroyed || atomic.LoadInt32(&p.closing) == 1 {
		return ErrPoolShuttingDown
	}

	p.mu.Lock()
	ids := make([]int, 0, len(p.workers))
	for id, w := range p.workers {
		if !w.stopping {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for i := len(ids); i < n; i++ {
		p.spawn()
	}
	if len(ids) > n {
		sort.Sort(sort.Reverse(sort.IntSlice(ids))) // newest go first
		for _, id := range ids[:len(ids)-n] {
			p.mu.Lock()
			if w := p.workers[id]; w != nil {
				w.stopping = true
			}
			p.mu.Unlock()
			p.queue.stop(id)
		}
	}

	p.logger.Info("pool resized", "from", len(ids), "to", n)
	return nil
}

func (p *WorkerPool) Stats() Stats {
	s := Stats{
		Queued:    p.queue.len(),
		Modules:   len(p.registry.Keys()),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
	}
	p.mu.Lock()
	for _, w := range p.workers {
		if w.stopping {
			continue
		}
		s.Workers++
		if w.State() == StateBusy {
			s.Busy++
		}
	}
	p.mu.Unlock()
	return s
}

// Destroy stops accepting work, fails every queued item with
// ErrPoolDestroyed, lets the running ones finish, joins the workers and
// delivers every outstanding completion on the calling goroutine. Call it
// from the origin loop: once it returns no callback fires any more.
func (p *WorkerPool) Destroy() {
	p.admin.Lock()
	defer p.admin.Unlock()
	if p.destroyed {
		return
	}

	atomic.StoreInt32(&p.closing, 1)
	drained := p.queue.close()
	for _, item := range drained {
		p.complete(item, &CompletionRecord{
			WorkID:  item.WorkID,
			FileKey: item.FileKey,
			Worker:  -1,
			Failure: newFailure(ErrPoolDestroyed, "%s: work %d", ErrPoolDestroyed.Error(), item.WorkID),
		})
	}

	p.wg.Wait()
	p.destroyed = true
	n := p.bridge.flush()
	p.logger.Info("pool destroyed", "dropped", len(drained), "flushed", n)
}
