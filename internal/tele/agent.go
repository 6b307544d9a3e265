package tele

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fieldsense/uplink/helpers"
	"github.com/fieldsense/uplink/internal/store"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	tele_config "github.com/fieldsense/uplink/tele/config"
	"github.com/juju/errors"
)

const qos1 byte = 1

var errConnectionLost = fmt.Errorf("broker connection lost")

// IterStat is result of single delivery agent iteration.
type IterStat struct {
	Heartbeat bool
	Delivered int
	Resent    int
	Sent      int
	Purged    int
	QueueFull bool
}

func (s IterStat) String() string {
	return fmt.Sprintf("heartbeat=%t delivered=%d resent=%d sent=%d purged=%d queue_full=%t",
		s.Heartbeat, s.Delivered, s.Resent, s.Sent, s.Purged, s.QueueFull)
}

type inflight struct {
	token mqtt.Token
	at    time.Time
}

// agent is the only owner of broker connection.
// Publish handles live in memory only: after restart every in-progress record
// has no handle and is published again. At least once, never at most once.
type agent struct { //nolint:maligned
	client   mqtt.Client
	config   *tele_config.Config
	enqueue  func(tele_api.Body) error
	inflight map[uint64]inflight
	log      *log2.Log
	now      func() time.Time
	revision func() int
	stat     *tele_api.StatCounter
	store    *store.Store

	lastHeartbeat time.Time
}

func newAgent(t *Tele, client mqtt.Client) *agent {
	return &agent{
		client:   client,
		config:   &t.config,
		enqueue:  t.Enqueue,
		inflight: make(map[uint64]inflight),
		log:      t.log,
		now:      t.now,
		revision: t.Revision,
		stat:     &t.stat,
		store:    t.store,
	}
}

func (self *agent) run(stopch <-chan struct{}) error {
	tmr := time.NewTicker(self.config.PollInterval())
	defer tmr.Stop()
	for {
		is, err := self.iterate()
		if err != nil {
			return err
		}
		if is.Delivered+is.Resent+is.Sent+is.Purged != 0 || is.Heartbeat {
			self.log.Debugf("agent iteration %s", is.String())
		}

		select {
		case <-tmr.C:
		case <-stopch:
			return nil
		}
	}
}

// iterate is one pass of: connection check, heartbeat, reconcile in-flight, admit pending.
// Returned error is fatal for agent.
func (self *agent) iterate() (IterStat, error) {
	is := IterStat{}
	defer self.stat.Modify(func(s *tele_api.Stat) {
		s.Iterations++
		s.Delivered += uint64(is.Delivered)
		s.Resent += uint64(is.Resent)
		s.Sent += uint64(is.Sent)
		s.Purged += uint64(is.Purged)
		if is.Heartbeat {
			s.Heartbeats++
		}
		if is.QueueFull {
			s.QueueFull++
		}
	})

	if !self.client.IsConnectionOpen() {
		return is, errConnectionLost
	}

	now := self.now()
	if self.lastHeartbeat.IsZero() || now.Sub(self.lastHeartbeat) > self.config.HeartbeatInterval() {
		hb := &tele_api.Heartbeat{
			Meta:    tele_api.Meta{Revision: self.revision(), Timestamp: helpers.UnixFloat(now)},
			Success: true,
		}
		if err := self.enqueue(hb); err != nil {
			self.log.Errorf("heartbeat enqueue err=%v", err)
		} else {
			self.lastHeartbeat = now
			is.Heartbeat = true
		}
	}

	inprog, err := self.store.ByStatus(store.InProgress, 0)
	if err != nil {
		return is, errors.Annotate(err, "agent reconcile")
	}
	deleteIds := make([]uint64, 0, len(inprog))
	seen := make(map[uint64]struct{}, len(inprog))
	for _, r := range inprog {
		seen[r.ID] = struct{}{}
		fl, ok := self.inflight[r.ID]
		if ok {
			done := tokenDone(fl.token)
			switch {
			case done && fl.token.Error() == nil:
				delete(self.inflight, r.ID)
				deleteIds = append(deleteIds, r.ID)
				is.Delivered++
				continue
			case done:
				self.log.Errorf("publish id=%d err=%v", r.ID, fl.token.Error())
			case now.Sub(fl.at) <= self.config.AckTimeout():
				continue
			default:
				self.log.Debugf("publish id=%d ack timeout, resend", r.ID)
			}
		}
		if err := self.publish(r, now); err != nil {
			self.log.Errorf("CRITICAL resend %s err=%v", r.String(), err)
			continue
		}
		is.Resent++
	}
	// forget handles of records removed meanwhile
	for id := range self.inflight {
		if _, ok := seen[id]; !ok {
			delete(self.inflight, id)
		}
	}

	// sending disabled messages are only kept until next iteration, archive is the durable record
	done, err := self.store.ByStatus(store.Done, 0)
	if err != nil {
		return is, errors.Annotate(err, "agent purge")
	}
	for _, r := range done {
		deleteIds = append(deleteIds, r.ID)
	}
	is.Purged = len(done)
	if err = self.store.Remove(deleteIds); err != nil {
		return is, errors.Annotate(err, "agent remove delivered")
	}

	capacity := self.config.MaxInFlightOrDefault() - (len(inprog) - is.Delivered)
	if capacity <= 0 {
		is.QueueFull = true
		self.log.Errorf("queue full in_flight=%d max=%d", len(inprog)-is.Delivered, self.config.MaxInFlightOrDefault())
		return is, nil
	}
	pending, err := self.store.ByStatus(store.Pending, capacity)
	if err != nil {
		return is, errors.Annotate(err, "agent admit")
	}
	sent := make([]store.Record, 0, len(pending))
	for _, r := range pending {
		r.Content.Header.Topic = tele_api.Topic(self.config.BaseTopic, r.Content.Variant, self.config.StationId)
		if err := self.publish(r, now); err != nil {
			self.log.Errorf("CRITICAL send %s err=%v", r.String(), err)
			continue
		}
		r.Status = store.InProgress
		sent = append(sent, r)
	}
	is.Sent = len(sent)
	if err = self.store.Update(sent); err != nil {
		return is, errors.Annotate(err, "agent mark in-progress")
	}
	return is, nil
}

func (self *agent) publish(r store.Record, now time.Time) error {
	topic := r.Content.Header.Topic
	if topic == "" {
		topic = tele_api.Topic(self.config.BaseTopic, r.Content.Variant, self.config.StationId)
	}
	payload, err := r.Content.WirePayload()
	if err != nil {
		return err
	}
	self.log.Debugf("publish id=%d topic=%s payload=%s", r.ID, topic, payload)
	t := self.client.Publish(topic, qos1, false, payload)
	self.inflight[r.ID] = inflight{token: t, at: now}
	return nil
}

// teardown disconnects within ctx deadline, overrun is timeout error.
func (self *agent) teardown(ctx context.Context) error {
	donech := make(chan struct{})
	go func() {
		defer close(donech)
		quiesce := self.config.TeardownTimeout() / 2
		self.client.Disconnect(uint(quiesce / time.Millisecond))
	}()
	select {
	case <-donech:
		return nil
	case <-ctx.Done():
		return errors.NewTimeout(ctx.Err(), "agent teardown")
	}
}

func tokenDone(t mqtt.Token) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
