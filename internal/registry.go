package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja_nodejs/require"
	"github.com/go-errors/errors"
)

// Module is a loaded script file. A Module never changes once published and
// is shared by every worker; each worker instantiates it in its own runtime.
type Module struct {
	Key     int
	Name    string // absolute path, or a synthetic name for inline source
	Dir     string // base of relative requires
	Source  string
	Version uint64

	program  *goja.Program     // compiled once, safe to run in any runtime
	requires *require.Registry // sub-module programs compiled for this version
}

// Compile turns sourceOrPath into an unpublished Module. An existing file is
// read from disk; anything that looks like a script file name but does not
// exist is an error; everything else is taken as the source text itself.
func Compile(key int, sourceOrPath string) (*Module, error) {
	m := &Module{Key: key}

	if fi, err := os.Stat(sourceOrPath); err == nil && fi.Mode().IsRegular() {
		b, err := os.ReadFile(sourceOrPath)
		if err != nil {
			return nil, errors.Errorf("%w: file key %d: %s", ErrLoad, key, err)
		}
		abs, err := filepath.Abs(sourceOrPath)
		if err != nil {
			abs = sourceOrPath
		}
		m.Name, m.Dir, m.Source = abs, filepath.Dir(abs), string(b)
	} else if looksLikePath(sourceOrPath) {
		return nil, errors.Errorf("%w: file key %d: no such file %s", ErrLoad, key, sourceOrPath)
	} else {
		wd, _ := os.Getwd()
		m.Name, m.Dir, m.Source = fmt.Sprintf("filekey-%d.js", key), wd, sourceOrPath
	}

	// CommonJS shape, so module.exports and exports both work.
	parsed, err := goja.Parse(
		m.Name,
		"(function(exports, require, module) {"+m.Source+"\n})",
		parser.WithSourceMapLoader(func(p string) ([]byte, error) {
			if !filepath.IsAbs(p) {
				p = filepath.Join(m.Dir, p)
			}
			return os.ReadFile(p)
		}),
	)
	if err != nil {
		return nil, errors.Errorf("%w: file key %d: %s", ErrLoad, key, err)
	}
	m.program, err = goja.CompileAST(parsed, false)
	if err != nil {
		return nil, errors.Errorf("%w: file key %d: %s", ErrLoad, key, err)
	}

	m.requires = require.NewRegistry(require.WithGlobalFolders(filepath.Join(m.Dir, "node_modules")))
	return m, nil
}

func looksLikePath(s string) bool {
	if strings.ContainsAny(s, "\n;{(") {
		return false
	}
	ext := filepath.Ext(s)
	return ext == ".js" || ext == ".cjs" || ext == ".mjs"
}

// Registry is the authoritative table of loaded modules. Workers replay it
// when they start, so it outlives any single broadcast.
type Registry struct {
	mu      sync.RWMutex
	modules map[int]*Module
	version uint64
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[int]*Module)}
}

// Get returns the module currently published under key.
func (r *Registry) Get(key int) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[key]
	return m, ok
}

// Has reports whether key is loaded.
func (r *Registry) Has(key int) bool {
	_, ok := r.Get(key)
	return ok
}

// Keys returns the loaded file keys in ascending order.
func (r *Registry) Keys() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]int, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Snapshot returns every loaded module ordered by file key.
func (r *Registry) Snapshot() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mods := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Key < mods[j].Key })
	return mods
}

// Put publishes m under its key, stamping a fresh version, and returns what it
// replaced. Use it directly only while no pool is attached; WorkerPool.LoadFile
// also pushes the module into every worker.
func (r *Registry) Put(m *Module) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(m)
}

func (r *Registry) put(m *Module) *Module {
	r.version++
	m.Version = r.version
	prev := r.modules[m.Key]
	r.modules[m.Key] = m
	return prev
}

// Remove unpublishes key. Like Put it does not reach into workers.
func (r *Registry) Remove(key int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.remove(key); !ok {
		return errors.Errorf("%w: %d", ErrNotFound, key)
	}
	return nil
}

func (r *Registry) remove(key int) (*Module, bool) {
	m, ok := r.modules[key]
	if ok {
		delete(r.modules, key)
	}
	return m, ok
}
