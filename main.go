package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	. "npool/internal"
	"npool/internal/binding"
	"npool/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	c, err := config.Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if c.Main == "" {
		fmt.Fprintln(os.Stderr, "usage: npool [-n workers] [-c config.yaml] [-l level] [-o logfile] [-monitor] main.js")
		return 2
	}

	logger, closer, err := InitLog(c.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()

	script, err := filepath.Abs(c.Main)
	if err == nil {
		var src []byte
		if src, err = os.ReadFile(script); err == nil {
			return runMain(c, script, string(src), logger)
		}
	}
	logger.Error("cannot read main script", "path", c.Main, "error", err)
	return 1
}

// runMain runs the script on the origin loop until the loop has nothing left
// to do, or until a signal arrives.
func runMain(c *config.Config, script, src string, logger hclog.Logger) int {
	registry := require.NewRegistry(require.WithGlobalFolders(filepath.Join(filepath.Dir(script), "node_modules")))
	loop := eventloop.NewEventLoop(eventloop.WithRegistry(registry), eventloop.EnableConsole(false))

	var (
		crontabs *cron.Cron
		cancel   context.CancelFunc = func() {}
	)
	b := binding.New(loop, binding.Options{
		MaxCallStackSize: c.MaxCallStackSize,
		BaseDir:          filepath.Dir(script),
		Logger:           logger,
		OnCreate: func(pool *WorkerPool) {
			if err := RunDaemons(pool, c.Crontabs, logger); err != nil {
				logger.Error("daemons not started", "error", err)
			}

			var err error
			if crontabs, err = RunCrontabs(pool, c.Crontabs, logger); err != nil {
				logger.Error("crontabs not started", "error", err)
			}

			if c.Monitor > 0 {
				var ctx context.Context
				ctx, cancel = context.WithCancel(context.Background())
				go RunMonitor(ctx, pool, c.Monitor, logger)
			}
		},
		OnDestroy: func(pool *WorkerPool) {
			if crontabs != nil {
				<-crontabs.Stop().Done()
				crontabs = nil
			}
			cancel()
		},
	})
	registry.RegisterNativeModule(binding.ModuleName, b.ModuleLoader())

	for key, path := range c.Modules {
		if err := b.LoadFile(key, path); err != nil {
			logger.Error("module not loaded", "key", key, "path", path, "error", err)
			return 1
		}
	}

	code := make(chan int, 1)
	go func() {
		failed := 0
		loop.Run(func(vm *goja.Runtime) {
			binding.EnableConsole(vm, logger)
			b.Enable(vm)
			if _, err := vm.RunScript(script, src); err != nil {
				logger.Error("main script failed", "error", err)
				b.DestroyThreadPool()
				failed = 1
			}
		})
		code <- failed
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case n := <-code:
		return n
	case s := <-sig:
		logger.Warn("stopping", "signal", s.String())
		stopped := make(chan struct{})
		if loop.RunOnLoop(func(*goja.Runtime) {
			b.DestroyThreadPool()
			close(stopped)
		}) {
			select {
			case <-stopped:
			case <-code:
			}
		}
		return 130
	}
}
