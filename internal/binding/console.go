package binding

import (
	"os"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/hashicorp/go-hclog"
)

// Printer sends the loop's console output to hclog.
type Printer struct {
	Logger hclog.Logger
}

func (p Printer) Log(s string)   { p.Logger.Info(s) }
func (p Printer) Warn(s string)  { p.Logger.Warn(s) }
func (p Printer) Error(s string) { p.Logger.Error(s) }

// EnableConsole sets the global console of runtime, which must already have a
// require registry enabled.
func EnableConsole(runtime *goja.Runtime, logger hclog.Logger) {
	module := runtime.NewObject()
	_ = module.Set("exports", runtime.NewObject())
	console.RequireWithPrinter(Printer{Logger: logger.Named("console")})(runtime, module)
	_ = runtime.Set("console", module.Get("exports"))
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}
