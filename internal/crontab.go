package internal

import (
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"npool/internal/value"
)

// Schedule names a call to queue on its own. An empty Spec means once, at
// startup; otherwise Spec is a cron expression.
type Schedule struct {
	Spec     string      `yaml:"spec"`
	FileKey  int         `yaml:"fileKey"`
	Function string      `yaml:"function"`
	Params   interface{} `yaml:"params"`
}

func (s Schedule) item(id int64, logger hclog.Logger) (WorkItem, error) {
	params, err := value.From(s.Params)
	if err != nil {
		return WorkItem{}, err
	}
	return WorkItem{
		WorkID:   id,
		FileKey:  s.FileKey,
		Function: s.Function,
		Params:   params,
		OnComplete: func(result *value.Value, workID int64, failure *Failure) {
			if failure != nil {
				logger.Error("scheduled work failed", "work", workID, "error", failure.Message, "trace", failure.Trace)
				return
			}
			logger.Debug("scheduled work done", "work", workID, "result", result.String())
		},
	}, nil
}

// cronLogger routes the scheduler's own messages into hclog.
type cronLogger struct {
	logger hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// RunCrontabs queues one work item per tick of every schedule with a Spec.
// Stop the returned scheduler before destroying the pool.
func RunCrontabs(pool *WorkerPool, schedules []Schedule, logger hclog.Logger) (*cron.Cron, error) {
	logger = logger.Named("crontab")
	c := cron.New(cron.WithLogger(cronLogger{logger}))

	var seq int64
	for _, s := range schedules {
		if s.Spec == "" {
			continue
		}
		s := s
		_, err := c.AddFunc(s.Spec, func() {
			item, err := s.item(atomic.AddInt64(&seq, 1), logger)
			if err == nil {
				err = pool.QueueWork(item)
			}
			if err != nil {
				logger.Error("crontab not queued", "spec", s.Spec, "key", s.FileKey, "function", s.Function, "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		logger.Info("crontab added", "spec", s.Spec, "key", s.FileKey, "function", s.Function)
	}

	c.Start()
	return c, nil
}
