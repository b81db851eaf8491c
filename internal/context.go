package internal

import (
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/go-errors/errors"

	"npool/internal/builtin"
	m "npool/internal/module"
	"npool/internal/util"
	"npool/internal/value"
)

// instance is one module evaluated inside one context.
type instance struct {
	module  *Module
	exports *goja.Object
}

// ScriptContext is the isolated runtime of a single worker. Only the owning
// worker goroutine ever touches it.
type ScriptContext struct {
	worker    *Worker
	runtime   *goja.Runtime
	loop      *builtin.EventLoop
	instances map[int]*instance
	staged    map[int]*instance // evaluated by a load that has not committed yet

	broken bool // a Go panic unwound through the runtime, rebuild before reuse
}

func newScriptContext(worker *Worker, maxCallStackSize int) *ScriptContext {
	runtime := goja.New()
	c := &ScriptContext{
		worker:    worker,
		runtime:   runtime,
		loop:      builtin.NewEventLoop(),
		instances: make(map[int]*instance),
		staged:    make(map[int]*instance),
	}

	runtime.SetFieldNameMapper(goja.UncapFieldNameMapper()) // Go fields and methods appear in lower camel case

	runtime.Set("$native", func(name string) (interface{}, error) {
		factory, ok := m.Factories[name]
		if ok {
			return factory(worker), nil
		}
		return nil, errors.New("native module is not found: " + name)
	})

	runtime.SetMaxCallStackSize(maxCallStackSize)
	return c
}

// install sets up the globals; it needs the worker to point at this context.
func (c *ScriptContext) install() {
	builtin.Install(c.worker)
}

// evaluate runs the top level of mod and swaps its exports in. On error the
// previous instance, if any, stays in place.
func (c *ScriptContext) evaluate(mod *Module) error {
	inst, err := c.instantiate(mod)
	if err != nil {
		return err
	}
	c.instances[mod.Key] = inst
	return nil
}

// stage evaluates mod next to the live instance of its key. Nothing runs
// against it until commit.
func (c *ScriptContext) stage(mod *Module) error {
	inst, err := c.instantiate(mod)
	if err != nil {
		return err
	}
	c.staged[mod.Key] = inst
	return nil
}

// commit makes the staged instance of mod live. A context rebuilt since the
// stage has lost it and evaluates mod again.
func (c *ScriptContext) commit(mod *Module) error {
	inst := c.staged[mod.Key]
	delete(c.staged, mod.Key)
	if inst == nil || inst.module != mod {
		return c.evaluate(mod)
	}
	c.instances[mod.Key] = inst
	return nil
}

func (c *ScriptContext) discard(key int) {
	delete(c.staged, key)
}

func (c *ScriptContext) instantiate(mod *Module) (inst *instance, err error) {
	if live := c.instances[mod.Key]; live != nil && live.module == mod {
		return live, nil
	}

	defer func() {
		if r := recover(); r != nil {
			c.broken = true
			inst, err = nil, errors.Errorf("%w: file key %d: %v", ErrLoad, mod.Key, r)
		}
	}()
	defer c.worker.Reset()

	entry, err := c.runtime.RunProgram(mod.program)
	if err != nil {
		return nil, errors.Errorf("%w: file key %d: %s", ErrLoad, mod.Key, err)
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return nil, errors.Errorf("%w: file key %d: entry is not a function", ErrLoad, mod.Key)
	}

	exports := c.runtime.NewObject()
	module := c.runtime.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", mod.Name)
	_ = module.Set("filename", mod.Name)

	_, err = c.loop.Run(func() (goja.Value, error) {
		return fn(exports, exports, c.requireFor(mod), module)
	})
	if err != nil {
		return nil, errors.Errorf("%w: file key %d: %s", ErrLoad, mod.Key, err)
	}

	out, ok := module.Get("exports").(*goja.Object)
	if !ok {
		return nil, errors.Errorf("%w: file key %d: module.exports is not an object", ErrLoad, mod.Key)
	}
	return &instance{module: mod, exports: out}, nil
}

// requireFor resolves sub-modules of mod against its directory. Each loaded
// version has its own require registry, so a reload picks up changed
// sub-modules while callers of one version share one evaluation.
func (c *ScriptContext) requireFor(mod *Module) goja.Value {
	rm := mod.requires.Enable(c.runtime)
	return c.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).String()
		if strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") {
			p = filepath.Join(mod.Dir, p)
		}
		v, err := rm.Require(p)
		if err != nil {
			if ex, ok := err.(*goja.Exception); ok {
				panic(ex)
			}
			panic(c.runtime.NewGoError(err))
		}
		return v
	})
}

func (c *ScriptContext) drop(key int) {
	delete(c.instances, key)
}

// invoke calls the exported function named by item with its params. A thrown
// value, a rejected promise or a panic out of native code all come back as a
// script failure; the context stays usable.
func (c *ScriptContext) invoke(item *WorkItem) (result *value.Value, failure *Failure) {
	inst := c.instances[item.FileKey]
	if inst == nil {
		return nil, newFailure(ErrUnknownModule, "%s: file key %d", ErrUnknownModule.Error(), item.FileKey)
	}
	fn, ok := goja.AssertFunction(inst.exports.Get(item.Function))
	if !ok {
		return nil, newFailure(ErrScript, "%s: %q is not a function exported by file key %d", ErrScript.Error(), item.Function, item.FileKey)
	}

	defer func() {
		if r := recover(); r != nil {
			c.broken = true
			e := errors.Wrap(r, 2)
			result, failure = nil, &Failure{Message: e.Error(), Trace: string(e.Stack()), cause: ErrScript}
		}
	}()
	defer c.worker.Reset()

	params := util.ToGojaValue(c.runtime, item.Params)
	v, err := c.loop.Run(func() (goja.Value, error) {
		return fn(inst.exports, params)
	})
	if err != nil {
		return nil, scriptFailure(err)
	}

	out, err := util.ExportGojaValue(v)
	if err != nil {
		return nil, scriptFailure(err)
	}
	return &out, nil
}
