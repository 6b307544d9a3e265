package state

import (
	"encoding/json"
	"sync"

	"github.com/fieldsense/uplink/internal/state/persist"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

// Revision keeps newest accepted configuration request across restarts.
// What configuration means is decided elsewhere, only revision order is enforced here.
type Revision struct {
	sync.Mutex
	active  tele_api.ConfigRequest
	has     bool
	log     *log2.Log
	persist persist.Persist
}

// NewRevision loads active request from root/revision. Empty root keeps it in memory only.
func NewRevision(log *log2.Log, root string) (*Revision, error) {
	self := &Revision{log: log}
	if err := self.persist.Init("revision", self, root, log); err != nil {
		return nil, errors.Annotate(err, "revision")
	}
	if err := self.persist.Load(); err != nil {
		return nil, errors.Annotate(err, "revision")
	}
	if self.has {
		self.log.Infof("revision active=%d version=%s", self.active.Revision, self.active.Configuration.Version)
	}
	return self, nil
}

func (self *Revision) Active() (tele_api.ConfigRequest, bool) {
	self.Lock()
	defer self.Unlock()
	return self.active, self.has
}

// Current is active revision number or 0 when nothing was accepted yet.
func (self *Revision) Current() int {
	r, _ := self.Active()
	return r.Revision
}

// Apply accepts request only if revision is strictly newer than active.
// Accepted request is stored before return.
func (self *Revision) Apply(r tele_api.ConfigRequest) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, errors.Annotate(err, "revision apply")
	}
	self.Lock()
	defer self.Unlock()
	if self.has && r.Revision <= self.active.Revision {
		self.log.Debugf("revision ignore stale=%d active=%d", r.Revision, self.active.Revision)
		return false, nil
	}
	prev, prevHas := self.active, self.has
	self.active, self.has = r, true
	if err := self.persist.Store(); err != nil {
		self.active, self.has = prev, prevHas
		return false, errors.Annotatef(err, "revision apply=%d", r.Revision)
	}
	self.log.Infof("revision accepted=%d version=%s", r.Revision, r.Configuration.Version)
	return true, nil
}

// Handle processes latest pending request from t: apply, stamp heartbeats
// with new revision, acknowledge. Returns false when nothing was pending.
func (self *Revision) Handle(t tele_api.Teler) (bool, error) {
	r, ok := t.LatestConfigRequest()
	if !ok {
		return false, nil
	}
	accepted, err := self.Apply(r)
	if accepted {
		t.SetRevision(r.Revision)
	}
	ack := &tele_api.Acknowledgment{Meta: tele_api.Meta{Revision: r.Revision}, Success: accepted}
	if ackErr := t.Enqueue(ack); ackErr != nil {
		self.log.Errorf("revision=%d acknowledgment err=%v", r.Revision, ackErr)
		if err == nil {
			err = ackErr
		}
	}
	return true, err
}

// MarshalBinary is called by persist with self locked.
func (self *Revision) MarshalBinary() ([]byte, error) {
	if !self.has {
		return nil, errors.Errorf("code error revision store without active request")
	}
	return json.Marshal(self.active)
}

func (self *Revision) UnmarshalBinary(b []byte) error {
	r, err := tele_api.ParseConfigRequest(b)
	if err != nil {
		return err
	}
	self.active, self.has = r, true
	return nil
}
