// Package module holds the native modules a worker script obtains through
// $native(name).
package module

import (
	"github.com/dop251/goja"
)

var Factories = make(map[string]func(worker Worker) interface{})

func register(name string, factory func(worker Worker) interface{}) {
	Factories[name] = factory
}

type Worker interface {
	Id() int
	AddDefer(d func())
	Runtime() *goja.Runtime
}
