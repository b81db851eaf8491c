// Package builtin installs the globals every worker runtime starts with.
package builtin

import (
	"github.com/dop251/goja"
	"github.com/hashicorp/go-hclog"
)

// Builtins run once per worker runtime, in registration order.
var Builtins []func(worker Worker)

type Worker interface {
	Id() int
	Runtime() *goja.Runtime
	EventLoop() *EventLoop
	Logger() hclog.Logger
}

// Install applies every registered builtin to worker.
func Install(worker Worker) {
	for _, b := range Builtins {
		b(worker)
	}
}
