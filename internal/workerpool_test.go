package internal

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"npool/internal/value"
)

type outcome struct {
	result  *value.Value
	failure *Failure
	calls   int
}

// collector records every callback; safe to use from any goroutine.
type collector struct {
	mu  sync.Mutex
	got   map[int64]*outcome
	order []int64
	n     int
}

func newCollector() *collector {
	return &collector{got: make(map[int64]*outcome)}
}

func (c *collector) callback(result *value.Value, workID int64, failure *Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.got[workID]
	if o == nil {
		o = &outcome{}
		c.got[workID] = o
	}
	o.result, o.failure = result, failure
	o.calls++
	c.order = append(c.order, workID)
	c.n++
}

// delivered lists work ids in callback order.
func (c *collector) delivered() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.order...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *collector) get(workID int64) *outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[workID]
}

func newTestPool(t *testing.T, workers int) *WorkerPool {
	t.Helper()
	p, err := New(Options{Workers: workers, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

// drainUntil plays the origin loop until n callbacks have run.
func drainUntil(t *testing.T, p *WorkerPool, c *collector, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for c.count() < n {
		select {
		case <-p.Bridge().Wake():
			p.Bridge().Drain()
		case <-deadline:
			t.Fatalf("got %d of %d completions", c.count(), n)
		}
	}
}

func enqueue(t *testing.T, p *WorkerPool, c *collector, id int64, key int, fn string, params interface{}) {
	t.Helper()
	require.NoError(t, p.QueueWork(WorkItem{
		WorkID:     id,
		FileKey:    key,
		Function:   fn,
		Params:     value.MustFrom(params),
		OnComplete: c.callback,
	}))
}

func TestAdd(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 2, "b": 3})
	enqueue(t, p, c, 2, 1, "add", map[string]interface{}{"a": 10, "b": -4})
	enqueue(t, p, c, 3, 1, "add", map[string]interface{}{"a": 0, "b": 0})
	drainUntil(t, p, c, 3)

	for id, want := range map[int64]int64{1: 5, 2: 6, 3: 0} {
		o := c.get(id)
		require.NotNil(t, o)
		assert.Nil(t, o.failure)
		require.NotNil(t, o.result)
		assert.Equal(t, want, o.result.Int())
	}
}

func TestEveryItemDeliveredOnce(t *testing.T) {
	p := newTestPool(t, 3)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	const n = 200
	c := newCollector()
	for i := int64(1); i <= n; i++ {
		enqueue(t, p, c, i, 1, "echo", map[string]interface{}{"i": i})
	}
	drainUntil(t, p, c, n)

	// a little longer, to catch duplicates
	time.Sleep(20 * time.Millisecond)
	p.Bridge().Drain()

	assert.Equal(t, n, c.count())
	for i := int64(1); i <= n; i++ {
		o := c.get(i)
		require.NotNil(t, o, "work %d", i)
		assert.Equal(t, 1, o.calls)
		assert.Nil(t, o.failure)
		got, _ := o.result.Get("i")
		assert.Equal(t, i, got.Int())
	}
	assert.Equal(t, uint64(n), p.Stats().Completed)
}

func TestPerWorkerOrder(t *testing.T) {
	var mu sync.Mutex
	started := make(map[int][]int64)
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		mu.Lock()
		started[w.Id()] = append(started[w.Id()], item.WorkID)
		mu.Unlock()
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	p := newTestPool(t, 3)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	for i := int64(1); i <= 100; i++ {
		enqueue(t, p, c, i, 1, "add", map[string]interface{}{"a": i, "b": 1})
	}
	drainUntil(t, p, c, 100)

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for id, ids := range started {
		total += len(ids)
		assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }), "worker %d started %v", id, ids)
	}
	assert.Equal(t, 100, total)
}

func TestCompletionOrderIsNotSubmissionOrder(t *testing.T) {
	release := make(chan struct{})
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		if item.WorkID == 1 {
			<-release
		}
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	enqueue(t, p, c, 2, 1, "add", map[string]interface{}{"a": 2, "b": 2})

	// the later item finishes on the idle worker while the first is held
	drainUntil(t, p, c, 1)
	assert.Equal(t, []int64{2}, c.delivered())

	close(release)
	drainUntil(t, p, c, 2)
	assert.Equal(t, []int64{2, 1}, c.delivered())
	assert.Equal(t, int64(2), c.get(1).result.Int())
	assert.Equal(t, int64(4), c.get(2).result.Int())
}

func TestReloadIsIdempotent(t *testing.T) {
	src := "var n = 0; exports.next = function () { return ++n; };"

	once := newTestPool(t, 1)
	require.NoError(t, once.LoadFile(1, src))

	twice := newTestPool(t, 1)
	require.NoError(t, twice.LoadFile(1, src))
	require.NoError(t, twice.LoadFile(1, src))

	for _, p := range []*WorkerPool{once, twice} {
		c := newCollector()
		enqueue(t, p, c, 1, 1, "next", nil)
		drainUntil(t, p, c, 1)
		assert.Equal(t, int64(1), c.get(1).result.Int())
	}
}

func TestReloadReplaces(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "exports.v = function () { return 1; };"))
	require.NoError(t, p.LoadFile(1, "exports.v = function () { return 2; };"))

	c := newCollector()
	for i := int64(1); i <= 10; i++ {
		enqueue(t, p, c, i, 1, "v", nil)
	}
	drainUntil(t, p, c, 10)
	for i := int64(1); i <= 10; i++ {
		assert.Equal(t, int64(2), c.get(i).result.Int())
	}
}

// holdOneWorker keeps one worker of p busy until the returned func is called.
func holdOneWorker(t *testing.T, p *WorkerPool, c *collector, id int64) func() {
	t.Helper()
	release := make(chan struct{})
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		if item.WorkID == id {
			<-release
		}
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	enqueue(t, p, c, id, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)

	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestLoadIsInvisibleUntilEveryWorkerHasIt(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	release := holdOneWorker(t, p, c, 100)
	t.Cleanup(release)

	loaded := make(chan error, 1)
	go func() { loaded <- p.LoadFile(6, "testdata/math.js") }()

	// the idle worker has staged key 6 by now, the held one has not
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.Registry().Has(6))
	err := p.QueueWork(WorkItem{WorkID: 1, FileKey: 6, Function: "add", OnComplete: c.callback})
	assert.ErrorIs(t, err, ErrUnknownModule)

	release()
	require.NoError(t, <-loaded)
	for i := int64(1); i <= 20; i++ {
		enqueue(t, p, c, i, 6, "add", map[string]interface{}{"a": i, "b": 1})
	}
	drainUntil(t, p, c, 21)
	for i := int64(1); i <= 20; i++ {
		require.Nil(t, c.get(i).failure, "work %d", i)
		assert.Equal(t, i+1, c.get(i).result.Int())
	}
}

func TestFailedLoadLeavesNoTrace(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	release := holdOneWorker(t, p, c, 100)
	t.Cleanup(release)

	// evaluates on the idle worker, throws on the held one
	src := `
		var cache = $native("cache");
		var n = (cache.get("evaluations-of-key-5") || 0) + 1;
		cache.set("evaluations-of-key-5", n, 0);
		if (n > 1) {
			throw new Error("second evaluation");
		}
		exports.ran = function () { return "ran"; };
	`
	loaded := make(chan error, 1)
	go func() { loaded <- p.LoadFile(5, src) }()

	time.Sleep(50 * time.Millisecond)
	err := p.QueueWork(WorkItem{WorkID: 7, FileKey: 5, Function: "ran", OnComplete: c.callback})
	assert.ErrorIs(t, err, ErrUnknownModule)

	release()
	err = <-loaded
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
	assert.Contains(t, err.Error(), "second evaluation")

	assert.Equal(t, []int{1}, p.Registry().Keys())
	err = p.QueueWork(WorkItem{WorkID: 8, FileKey: 5, Function: "ran", OnComplete: c.callback})
	assert.ErrorIs(t, err, ErrUnknownModule)

	drainUntil(t, p, c, 1)
	assert.Nil(t, c.get(7))
	assert.Nil(t, c.get(8))

	// key 1 kept working on both workers
	for i := int64(1); i <= 10; i++ {
		enqueue(t, p, c, i, 1, "add", map[string]interface{}{"a": i, "b": i})
	}
	drainUntil(t, p, c, 11)
	for i := int64(1); i <= 10; i++ {
		assert.Equal(t, 2*i, c.get(i).result.Int())
	}
}

func TestRemoveFailsQueuedWork(t *testing.T) {
	release := make(chan struct{})
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		if item.WorkID == 1 {
			<-release
		}
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	p := newTestPool(t, 1)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	enqueue(t, p, c, 2, 1, "add", map[string]interface{}{"a": 1, "b": 2})
	enqueue(t, p, c, 3, 1, "add", map[string]interface{}{"a": 1, "b": 3})

	removed := make(chan error, 1)
	go func() { removed <- p.RemoveFile(1) }()

	require.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second, time.Millisecond)
	select {
	case <-removed:
		t.Fatal("remove returned while work for the file was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-removed)
	drainUntil(t, p, c, 3)

	assert.Nil(t, c.get(1).failure)
	for _, id := range []int64{2, 3} {
		o := c.get(id)
		assert.Nil(t, o.result)
		require.NotNil(t, o.failure)
		assert.ErrorIs(t, o.failure, ErrUnknownModule)
	}

	err := p.QueueWork(WorkItem{WorkID: 4, FileKey: 1, Function: "add", OnComplete: c.callback})
	assert.ErrorIs(t, err, ErrUnknownModule)
	assert.ErrorIs(t, p.RemoveFile(1), ErrNotFound)
}

func TestDestroyFinishesInFlightAndFailsQueued(t *testing.T) {
	release := make(chan struct{})
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		if item.WorkID == 1 {
			<-release
		}
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	p := newTestPool(t, 1)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	enqueue(t, p, c, 2, 1, "add", map[string]interface{}{"a": 1, "b": 2})
	enqueue(t, p, c, 3, 1, "add", map[string]interface{}{"a": 1, "b": 3})

	destroyed := make(chan struct{})
	go func() {
		p.Destroy()
		close(destroyed)
	}()

	require.Eventually(t, func() bool {
		return p.QueueWork(WorkItem{FileKey: 1, Function: "add"}) != nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.QueueWork(WorkItem{FileKey: 1, Function: "add"}), ErrPoolShuttingDown)

	close(release)
	<-destroyed

	// everything was delivered by Destroy itself
	assert.Equal(t, 3, c.count())
	o := c.get(1)
	require.NotNil(t, o.result)
	assert.Equal(t, int64(2), o.result.Int())
	for _, id := range []int64{2, 3} {
		require.NotNil(t, c.get(id).failure)
		assert.ErrorIs(t, c.get(id).failure, ErrPoolDestroyed)
	}
	assert.Equal(t, 0, p.Bridge().Drain())
	p.Destroy() // again is a no-op
}

func TestNestedThrowKeepsPoolUsable(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(7, "testdata/nested.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 7, "parse", map[string]interface{}{"text": ""})
	drainUntil(t, p, c, 1)

	o := c.get(1)
	assert.Nil(t, o.result)
	require.NotNil(t, o.failure)
	assert.ErrorIs(t, o.failure, ErrScript)
	assert.Equal(t, "empty document", o.failure.Message)
	assert.Contains(t, o.failure.Trace, "parser.js")

	enqueue(t, p, c, 2, 7, "parse", map[string]interface{}{"text": "abc"})
	enqueue(t, p, c, 3, 7, "ping", nil)
	drainUntil(t, p, c, 3)
	assert.Equal(t, int64(3), c.get(2).result.Int())
	assert.Equal(t, "pong", c.get(3).result.Str())
}

func TestScriptFailures(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "fail", map[string]interface{}{"reason": "nope"})
	enqueue(t, p, c, 2, 1, "missing", nil)
	enqueue(t, p, c, 3, 1, "rejected", nil)
	enqueue(t, p, c, 4, 1, "later", map[string]interface{}{"n": 21})
	enqueue(t, p, c, 5, 1, "throwInTimer", nil)
	enqueue(t, p, c, 6, 1, "add", map[string]interface{}{"a": 3, "b": 4})
	drainUntil(t, p, c, 6)

	assert.Equal(t, "bad input: nope", c.get(1).failure.Message)
	assert.ErrorIs(t, c.get(2).failure, ErrScript)
	assert.True(t, strings.Contains(c.get(2).failure.Message, "missing"))
	assert.Equal(t, "not today", c.get(3).failure.Message)

	require.Nil(t, c.get(4).failure)
	assert.Equal(t, int64(42), c.get(4).result.Int())

	// an exception in a timer fails the item that scheduled it
	assert.Nil(t, c.get(5).result)
	require.NotNil(t, c.get(5).failure)
	assert.ErrorIs(t, c.get(5).failure, ErrScript)
	assert.Equal(t, "boom in timer", c.get(5).failure.Message)
	require.Nil(t, c.get(6).failure)
	assert.Equal(t, int64(7), c.get(6).result.Int())

	assert.Equal(t, uint64(4), p.Stats().Failed)
}

func TestLoadErrors(t *testing.T) {
	p := newTestPool(t, 2)

	assert.ErrorIs(t, p.LoadFile(1, "exports.x = function ( {"), ErrLoad)
	assert.ErrorIs(t, p.LoadFile(2, "testdata/nothing-here.js"), ErrLoad)
	assert.ErrorIs(t, p.LoadFile(3, "throw new Error('top level');"), ErrLoad)

	assert.Empty(t, p.Registry().Keys())
	err := p.QueueWork(WorkItem{FileKey: 3, Function: "x"})
	assert.ErrorIs(t, err, ErrUnknownModule)

	// a failed reload keeps the old version
	require.NoError(t, p.LoadFile(4, "exports.v = function () { return 'old'; };"))
	assert.ErrorIs(t, p.LoadFile(4, "throw 'no';"), ErrLoad)
	c := newCollector()
	enqueue(t, p, c, 1, 4, "v", nil)
	drainUntil(t, p, c, 1)
	assert.Equal(t, "old", c.get(1).result.Str())
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Options{Workers: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p := newTestPool(t, 1)
	assert.ErrorIs(t, p.Resize(0), ErrInvalidConfig)
}

func TestSchedulingFaultReplacesWorker(t *testing.T) {
	var once sync.Once
	testHookBeforeExecute = func(w *Worker, item *WorkItem) {
		if item.WorkID == 1 {
			once.Do(func() { panic("lost track of the queue") })
		}
	}
	t.Cleanup(func() { testHookBeforeExecute = nil })

	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	drainUntil(t, p, c, 1)

	o := c.get(1)
	assert.Nil(t, o.result)
	require.NotNil(t, o.failure)
	assert.ErrorIs(t, o.failure, ErrSchedulingFault)
	assert.NotEmpty(t, o.failure.Trace)

	require.Eventually(t, func() bool { return p.Stats().Workers == 2 }, time.Second, time.Millisecond)
	for i := int64(2); i <= 11; i++ {
		enqueue(t, p, c, i, 1, "add", map[string]interface{}{"a": i, "b": 0})
	}
	drainUntil(t, p, c, 11)
	for i := int64(2); i <= 11; i++ {
		assert.Equal(t, i, c.get(i).result.Int())
	}
}

func TestResize(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.LoadFile(1, "testdata/math.js"))

	require.NoError(t, p.Resize(3))
	assert.Equal(t, 3, p.Stats().Workers)

	c := newCollector()
	for i := int64(1); i <= 30; i++ {
		enqueue(t, p, c, i, 1, "add", map[string]interface{}{"a": i, "b": i})
	}
	drainUntil(t, p, c, 30)
	for i := int64(1); i <= 30; i++ {
		require.Nil(t, c.get(i).failure)
		assert.Equal(t, 2*i, c.get(i).result.Int())
	}

	require.NoError(t, p.Resize(1))
	assert.Equal(t, 1, p.Stats().Workers)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.workers) == 1
	}, time.Second, time.Millisecond)

	enqueue(t, p, c, 31, 1, "add", map[string]interface{}{"a": 1, "b": 1})
	drainUntil(t, p, c, 31)
	assert.Equal(t, int64(2), c.get(31).result.Int())
}

func TestRegistrySurvivesPool(t *testing.T) {
	reg := NewRegistry()
	mod, err := Compile(1, "testdata/math.js")
	require.NoError(t, err)
	reg.Put(mod)

	p, err := New(Options{Workers: 2, Registry: reg, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)

	c := newCollector()
	enqueue(t, p, c, 1, 1, "add", map[string]interface{}{"a": 40, "b": 2})
	drainUntil(t, p, c, 1)
	assert.Equal(t, int64(42), c.get(1).result.Int())

	p.Destroy()
	assert.Equal(t, []int{1}, reg.Keys())
	require.NoError(t, reg.Remove(1))
	assert.ErrorIs(t, reg.Remove(1), ErrNotFound)
}

func TestNativeModules(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.LoadFile(1, `
		var decimal = $native("decimal");
		var cache = $native("cache");
		var lock = $native("lock");

		exports.sum = function (params) {
			lock("sum").lock(1000);
			var total = decimal(params.a).add(decimal(params.b)).string();
			cache.set("last-sum", total, 0);
			console.debug("sum", total);
			return { total: total, last: cache.get("last-sum") };
		};
	`))
	require.NoError(t, p.LoadFile(2, "../example/xml-to-json/xmlParser.js"))

	c := newCollector()
	enqueue(t, p, c, 1, 1, "sum", map[string]interface{}{"a": "0.1", "b": "0.2"})
	enqueue(t, p, c, 2, 1, "sum", map[string]interface{}{"a": "1.5", "b": "1.5"})
	enqueue(t, p, c, 3, 2, "parseXmlData", map[string]interface{}{"xmlData": "<note><to>Tove</to><from>Jani</from></note>"})
	drainUntil(t, p, c, 3)

	require.Nil(t, c.get(1).failure)
	total, _ := c.get(1).result.Get("total")
	assert.Equal(t, "0.3", total.Str())
	total, _ = c.get(2).result.Get("total")
	assert.Equal(t, "3", total.Str())

	require.Nil(t, c.get(3).failure)
	assert.Equal(t, `{"note":{"from":"Jani","to":"Tove"}}`, c.get(3).result.String())
}
