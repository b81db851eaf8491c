package module

import (
	"errors"
	"sync"
	"time"
)

func init() {
	register("lock", func(worker Worker) interface{} {
		return func(name string) *LockClient {
			client := &LockClient{name: name, slot: lockSlot(name)}
			worker.AddDefer(client.Unlock) // a lock never outlives the work item that took it
			return client
		}
	})
}

var LockCache struct {
	sync.Mutex
	slots map[string]chan struct{}
}

func lockSlot(name string) chan struct{} {
	LockCache.Lock()
	defer LockCache.Unlock()
	if LockCache.slots == nil {
		LockCache.slots = make(map[string]chan struct{})
	}
	slot := LockCache.slots[name]
	if slot == nil {
		slot = make(chan struct{}, 1)
		LockCache.slots[name] = slot
	}
	return slot
}

// LockClient is a named lock shared by every worker. A client belongs to one
// work item and is only touched from that worker's goroutine.
type LockClient struct {
	name string
	slot chan struct{}
	held bool
}

// Lock waits at most timeout milliseconds.
func (l *LockClient) Lock(timeout int) error {
	if l.held {
		return nil
	}
	t := time.NewTimer(time.Duration(timeout) * time.Millisecond)
	defer t.Stop()
	select {
	case l.slot <- struct{}{}:
		l.held = true
		return nil
	case <-t.C:
		return errors.New("acquire lock " + l.name + " timeout")
	}
}

func (l *LockClient) Unlock() {
	if l.held {
		l.held = false
		<-l.slot
	}
}
