package internal

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogOptions selects where and how verbosely the pool logs.
type LogOptions struct {
	Level string `yaml:"level"` // trace, debug, info, warn, error
	File  string `yaml:"file"`  // empty means stderr
}

// InitLog builds the process logger. Output to a file is appended to, never
// truncated, and is not coloured.
func InitLog(opts LogOptions) (hclog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
		color            = hclog.AutoColor
	)
	if opts.File != "" {
		fd, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		out, closer, color = fd, fd, hclog.ColorOff
	}

	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "npool",
		Level:      level,
		Output:     out,
		Color:      color,
		TimeFormat: "2006-01-02 15:04:05.000",
	}), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LogWithError records a failed work item on the worker that ran it. The
// trace goes out at debug level only.
func LogWithError(err error, worker *Worker) {
	f, ok := err.(*Failure)
	if !ok {
		worker.logger.Error("work failed", "error", err)
		return
	}
	worker.logger.Error("work failed", "error", f.Message)
	if f.Trace != "" {
		worker.logger.Debug("work failed", "trace", f.Trace)
	}
}
