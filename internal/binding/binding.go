// Package binding exposes a worker pool to a script running on a goja_nodejs
// event loop, as the nPool object:
//
//	nPool.createThreadPool(workers)
//	nPool.loadFile(fileKey, path)
//	nPool.queueWork({workId, fileKey, workFunction, workParam, callbackFunction, callbackContext})
//	nPool.removeFile(fileKey)
//	nPool.destroyThreadPool()
//
// Every method must be called on the loop. Callbacks run there too, as
// callbackFunction.call(callbackContext, result, workId, exception) where
// exception is null or {message, stackTrace}.
package binding

import (
	"path/filepath"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-hclog"

	"npool/internal"
	"npool/internal/util"
	"npool/internal/value"
)

// ModuleName is what scripts pass to require to get nPool.
const ModuleName = "npool"

var ErrNoPool = errors.New("no thread pool, call createThreadPool first")

type Options struct {
	MaxCallStackSize int
	BaseDir          string        // relative loadFile paths resolve against it
	KeepAlive        time.Duration // tick of the timer holding the loop open while a pool lives
	Logger           hclog.Logger

	OnCreate  func(pool *internal.WorkerPool) // after createThreadPool
	OnDestroy func(pool *internal.WorkerPool) // before destroyThreadPool tears the pool down
}

// Binding owns at most one pool at a time. Loaded files live in its registry,
// so they may be loaded before the pool exists and removed after it is gone.
type Binding struct {
	loop     *eventloop.EventLoop
	opts     Options
	registry *internal.Registry
	logger   hclog.Logger

	pool      *internal.WorkerPool
	destroyed bool // the last pool was destroyed and none created since
	keepAlive *eventloop.Interval
}

func New(loop *eventloop.EventLoop, opts Options) *Binding {
	if opts.Logger == nil {
		opts.Logger = hclog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = time.Hour
	}
	return &Binding{
		loop:     loop,
		opts:     opts,
		registry: internal.NewRegistry(),
		logger:   opts.Logger.Named("binding"),
	}
}

// loopAdapter lets the pool's bridge schedule drains on the event loop.
type loopAdapter struct {
	loop *eventloop.EventLoop
}

func (a loopAdapter) RunOnLoop(fn func()) bool {
	return a.loop.RunOnLoop(func(*goja.Runtime) { fn() })
}

func (b *Binding) Registry() *internal.Registry {
	return b.registry
}

// Pool returns the live pool or nil.
func (b *Binding) Pool() *internal.WorkerPool {
	return b.pool
}

func (b *Binding) resolve(p string) string {
	if b.opts.BaseDir != "" && !filepath.IsAbs(p) && filepath.Ext(p) != "" {
		if abs := filepath.Join(b.opts.BaseDir, p); fileExists(abs) {
			return abs
		}
	}
	return p
}

func (b *Binding) CreateThreadPool(workers int) error {
	if b.pool != nil {
		return errors.New("thread pool already created")
	}
	pool, err := internal.New(internal.Options{
		Workers:          workers,
		MaxCallStackSize: b.opts.MaxCallStackSize,
		Registry:         b.registry,
		Loop:             loopAdapter{b.loop},
		Logger:           b.opts.Logger,
	})
	if err != nil {
		return err
	}
	b.pool, b.destroyed = pool, false
	b.keepAlive = b.loop.SetInterval(func(*goja.Runtime) {}, b.opts.KeepAlive)
	if b.opts.OnCreate != nil {
		b.opts.OnCreate(pool)
	}
	return nil
}

func (b *Binding) LoadFile(key int, sourceOrPath string) error {
	mod, err := internal.Compile(key, b.resolve(sourceOrPath))
	if err != nil {
		return err
	}
	if b.pool != nil {
		return b.pool.Load(mod)
	}
	b.registry.Put(mod)
	return nil
}

func (b *Binding) RemoveFile(key int) error {
	if b.pool != nil {
		return b.pool.RemoveFile(key)
	}
	return b.registry.Remove(key)
}

func (b *Binding) QueueWork(item internal.WorkItem) error {
	if b.pool == nil {
		if b.destroyed {
			return errors.Errorf("%w: thread pool was destroyed", internal.ErrPoolShuttingDown)
		}
		return ErrNoPool
	}
	return b.pool.QueueWork(item)
}

// DestroyThreadPool delivers every outstanding callback before it returns.
func (b *Binding) DestroyThreadPool() {
	if b.pool == nil {
		return
	}
	if b.opts.OnDestroy != nil {
		b.opts.OnDestroy(b.pool)
	}
	b.pool.Destroy()
	b.pool, b.destroyed = nil, true
	if b.keepAlive != nil {
		b.loop.ClearInterval(b.keepAlive)
		b.keepAlive = nil
	}
}

// ModuleLoader builds the nPool object for runtime, the loop's runtime.
func (b *Binding) ModuleLoader() require.ModuleLoader {
	return func(runtime *goja.Runtime, module *goja.Object) {
		exports := module.Get("exports").(*goja.Object)
		throw := func(err error) {
			if err != nil {
				panic(runtime.NewGoError(err))
			}
		}

		_ = exports.Set("createThreadPool", func(call goja.FunctionCall) goja.Value {
			throw(b.CreateThreadPool(int(call.Argument(0).ToInteger())))
			return goja.Undefined()
		})

		_ = exports.Set("loadFile", func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 2 {
				panic(runtime.NewTypeError("loadFile requires a file key and a path"))
			}
			throw(b.LoadFile(int(call.Argument(0).ToInteger()), call.Argument(1).String()))
			return goja.Undefined()
		})

		_ = exports.Set("removeFile", func(call goja.FunctionCall) goja.Value {
			throw(b.RemoveFile(int(call.Argument(0).ToInteger())))
			return goja.Undefined()
		})

		_ = exports.Set("queueWork", func(call goja.FunctionCall) goja.Value {
			item, err := b.unitOfWork(runtime, call.Argument(0))
			if err != nil {
				panic(runtime.NewTypeError(err.Error()))
			}
			throw(b.QueueWork(item))
			return goja.Undefined()
		})

		_ = exports.Set("destroyThreadPool", func(call goja.FunctionCall) goja.Value {
			b.DestroyThreadPool()
			return goja.Undefined()
		})
	}
}

// Enable sets the global nPool in runtime.
func (b *Binding) Enable(runtime *goja.Runtime) {
	module := runtime.NewObject()
	_ = module.Set("exports", runtime.NewObject())
	b.ModuleLoader()(runtime, module)
	_ = runtime.Set("nPool", module.Get("exports"))
}

// unitOfWork reads the script's work object. The object is copied, so the
// caller may change and queue it again.
func (b *Binding) unitOfWork(runtime *goja.Runtime, v goja.Value) (internal.WorkItem, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return internal.WorkItem{}, errors.New("queueWork requires a unit of work")
	}
	o := v.ToObject(runtime)

	callback, ok := goja.AssertFunction(o.Get("callbackFunction"))
	if !ok {
		return internal.WorkItem{}, errors.New("callbackFunction is not a function")
	}
	params, err := util.ExportGojaValue(o.Get("workParam"))
	if err != nil {
		return internal.WorkItem{}, errors.Errorf("workParam: %w", err)
	}
	this := o.Get("callbackContext")
	if this == nil {
		this = goja.Undefined()
	}

	return internal.WorkItem{
		WorkID:   valueInt(o.Get("workId")),
		FileKey:  int(valueInt(o.Get("fileKey"))),
		Function: valueString(o.Get("workFunction")),
		Params:   params,
		OnComplete: func(result *value.Value, workID int64, failure *internal.Failure) {
			res, exception := goja.Null(), goja.Null()
			if result != nil {
				res = util.ToGojaValue(runtime, *result)
			}
			if failure != nil {
				e := runtime.NewObject()
				_ = e.Set("message", failure.Message)
				_ = e.Set("stackTrace", failure.Trace)
				exception = e
			}
			if _, err := callback(this, res, runtime.ToValue(workID), exception); err != nil {
				b.logger.Error("work callback threw", "work", workID, "error", err)
			}
		},
	}, nil
}

func valueInt(v goja.Value) int64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return v.ToInteger()
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
