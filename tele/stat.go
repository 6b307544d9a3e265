package tele

import (
	"fmt"
	"sync"
)

// Stat is delivery counters since process start. Not persisted.
type Stat struct {
	Enqueued       uint64
	Archived       uint64
	Sent           uint64
	Resent         uint64
	Delivered      uint64
	Purged         uint64
	Heartbeats     uint64
	QueueFull      uint64
	ConfigAccepted uint64
	ConfigInvalid  uint64
	Iterations     uint64
}

func (s Stat) String() string {
	return fmt.Sprintf("enqueued=%d archived=%d sent=%d resent=%d delivered=%d purged=%d heartbeats=%d queue_full=%d config_accepted=%d config_invalid=%d iterations=%d",
		s.Enqueued, s.Archived, s.Sent, s.Resent, s.Delivered, s.Purged, s.Heartbeats, s.QueueFull, s.ConfigAccepted, s.ConfigInvalid, s.Iterations)
}

// StatCounter is Stat with lock, shared by producers and delivery agent.
type StatCounter struct {
	sync.Mutex
	s Stat
}

func (self *StatCounter) Modify(f func(*Stat)) {
	self.Lock()
	f(&self.s)
	self.Unlock()
}

func (self *StatCounter) Get() Stat {
	self.Lock()
	defer self.Unlock()
	return self.s
}
