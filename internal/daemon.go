package internal

import (
	"github.com/hashicorp/go-hclog"
)

// RunDaemons queues every schedule without a Spec exactly once. A daemon is
// typically a function that keeps its worker busy with timers until the pool
// is destroyed.
func RunDaemons(pool *WorkerPool, schedules []Schedule, logger hclog.Logger) error {
	logger = logger.Named("daemon")

	var id int64
	for _, s := range schedules {
		if s.Spec != "" {
			continue
		}
		id--
		item, err := s.item(id, logger)
		if err != nil {
			return err
		}
		if err := pool.QueueWork(item); err != nil {
			return err
		}
		logger.Info("daemon queued", "key", s.FileKey, "function", s.Function)
	}
	return nil
}
