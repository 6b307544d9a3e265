package tele

import (
	"sync"

	tele_api "github.com/fieldsense/uplink/tele"
)

// confreqChan is bounded buffer of configuration requests.
// Producers (MQTT subscription callback) never block.
// When full, buffered requests collapse into the one with greatest revision,
// since consumer only ever wants the newest anyway.
type confreqChan struct {
	sync.Mutex
	buf []tele_api.ConfigRequest
	max int
}

func newConfreqChan(size int) *confreqChan {
	if size < 1 {
		size = 1
	}
	return &confreqChan{buf: make([]tele_api.ConfigRequest, 0, size), max: size}
}

// push returns true if buffer was collapsed to make room.
func (self *confreqChan) push(r tele_api.ConfigRequest) bool {
	self.Lock()
	defer self.Unlock()
	if len(self.buf) < self.max {
		self.buf = append(self.buf, r)
		return false
	}
	best := r
	for _, x := range self.buf {
		if x.Revision > best.Revision {
			best = x
		}
	}
	self.buf = append(self.buf[:0], best)
	return true
}

// drainLatest empties buffer, returns request with greatest revision.
// Ties keep the later arrival.
func (self *confreqChan) drainLatest() (tele_api.ConfigRequest, bool) {
	self.Lock()
	defer self.Unlock()
	if len(self.buf) == 0 {
		return tele_api.ConfigRequest{}, false
	}
	best := self.buf[0]
	for _, x := range self.buf[1:] {
		if x.Revision >= best.Revision {
			best = x
		}
	}
	self.buf = self.buf[:0]
	return best, true
}

func (self *confreqChan) len() int {
	self.Lock()
	defer self.Unlock()
	return len(self.buf)
}
