package tele

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fieldsense/uplink/helpers"
	"github.com/fieldsense/uplink/internal/archive"
	"github.com/fieldsense/uplink/internal/store"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	tele_config "github.com/fieldsense/uplink/tele/config"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	waitEmptyPollInterval = 200 * time.Millisecond
	// Close waits this much longer than agent teardown deadline
	closeMargin = 2 * time.Second
)

type State uint32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping // stop requested, agent not finished yet
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("invalid(%d)", uint32(s))
}

// Tele contract:
// - New() fails only with invalid config or storage errors, no network IO
// - Enqueue() blocks at most for disk write, works in any state;
//   network may be slow or absent, messages will be delivered in background
// - Start() connects and subscribes or fails, starts delivery agent
// - Start()/Stop() are idempotent, Start() after Stop() is agent restart
// - at most one agent (broker connection) exists; Start() fails while previous agent is stopping
// - messages are delivered at least once
// - agent death is reported by CheckLiveness() as tele.ErrCommunicationOutage
type Tele struct { //nolint:maligned
	archive   *archive.Writer
	config    tele_config.Config
	confreq   *confreqChan
	log       *log2.Log
	newClient ClientFactory
	now       func() time.Time
	revision  int64
	stat      tele_api.StatCounter
	state     uint32
	store     *store.Store

	mu       sync.Mutex // serialize Start/Stop/Close
	closed   bool
	current  atomic.Value // *alive.Alive of running agent
	agentErr helpers.AtomicError
}

var _ tele_api.Teler = &Tele{} // compile-time interface test

func New(log *log2.Log, config tele_config.Config) (*Tele, error) {
	return NewWithClientFactory(log, config, mqtt.NewClient)
}

func NewWithClientFactory(log *log2.Log, config tele_config.Config, factory ClientFactory) (*Tele, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "tele config")
	}
	if config.StorePath == "" {
		return nil, errors.NotValidf("code error tele StorePath=empty")
	}
	if config.ArchiveDir == "" {
		return nil, errors.NotValidf("code error tele ArchiveDir=empty")
	}
	if factory == nil {
		return nil, errors.NotValidf("code error tele client factory=nil")
	}
	self := &Tele{
		config:    config,
		confreq:   newConfreqChan(config.ConfigQueueSizeOrDefault()),
		log:       log.Clone(log2.LInfo),
		newClient: factory,
		now:       time.Now,
	}
	if config.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}

	var err error
	if self.store, err = store.Open(config.StorePath); err != nil {
		return nil, errors.Annotate(err, "tele store")
	}
	if self.archive, err = archive.New(config.ArchiveDir); err != nil {
		_ = self.store.Close()
		return nil, errors.Annotate(err, "tele archive")
	}
	return self, nil
}

func (self *Tele) State() State { return State(atomic.LoadUint32(&self.state)) }

func (self *Tele) Start(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return errors.Errorf("tele is closed")
	}
	switch self.State() {
	case StateRunning:
		self.log.Debugf("tele already running")
		return nil
	case StateStopping:
		if !self.agentFinished() {
			return errors.Errorf("tele start: previous delivery agent still stopping")
		}
	}
	if err := ctx.Err(); err != nil {
		return errors.Annotate(err, "tele start")
	}

	setPahoLog(self.log, self.config.MqttLogDebug)
	opt, err := self.mqttOptions()
	if err != nil {
		return errors.Annotate(err, "tele start")
	}
	client, err := self.mqttConnect(opt)
	if err != nil {
		return errors.Annotate(err, "tele start")
	}

	self.agentErr.Reset()
	a := newAgent(self, client)
	al := alive.NewAlive()
	al.Add(1)
	self.current.Store(al)
	atomic.StoreUint32(&self.state, uint32(StateRunning))
	go self.agentWorker(a, al)
	self.log.Infof("tele started station=%s broker=%s send=%t", self.config.StationId, self.config.MqttBroker, self.config.SendEnabled)
	return nil
}

// Stop requests agent teardown and waits for it within ctx.
func (self *Tele) Stop(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.stop(ctx)
}

func (self *Tele) stop(ctx context.Context) error {
	switch self.State() {
	case StateRunning, StateStopping:
	default:
		return nil
	}
	atomic.StoreUint32(&self.state, uint32(StateStopping))
	al := self.currentAlive()
	al.Stop()
	select {
	case <-al.WaitChan():
	case <-ctx.Done():
		return errors.NewTimeout(ctx.Err(), "tele stop")
	}
	atomic.StoreUint32(&self.state, uint32(StateStopped))
	if err, _ := self.agentErr.Load(); err != nil {
		return errors.Annotate(err, "tele stop")
	}
	self.log.Infof("tele stopped")
	return nil
}

// Close stops agent within TeardownTimeout and releases storage.
func (self *Tele) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), self.config.TeardownTimeout()+closeMargin)
	defer cancel()
	errs := make([]error, 0, 2)
	if err := self.stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := self.store.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "tele store close"))
	}
	return helpers.FoldErrors(errs)
}

// CheckLiveness returns error with Cause()=tele.ErrCommunicationOutage
// if agent is supposed to run but exited.
func (self *Tele) CheckLiveness() error {
	if self.State() != StateRunning {
		return nil
	}
	al := self.currentAlive()
	select {
	case <-al.WaitChan():
	default:
		return nil
	}
	if err, _ := self.agentErr.Load(); err != nil {
		return errors.Wrapf(err, tele_api.ErrCommunicationOutage, "delivery agent exited err=%v", err)
	}
	return errors.Trace(tele_api.ErrCommunicationOutage)
}

func (self *Tele) Enqueue(b tele_api.Body) error {
	if b == nil {
		return errors.NotValidf("enqueue body=nil")
	}
	tele_api.SetTimestampIfZero(b, helpers.UnixFloat(self.now()))
	m, err := tele_api.MessageOf(tele_api.Header{SendingSkipped: !self.config.SendEnabled}, b)
	if err != nil {
		return errors.Annotate(err, "enqueue")
	}

	errs := make([]error, 0, 2)
	if err = self.archive.Append(m); err != nil {
		self.log.Errorf("CRITICAL archive %s err=%v", m.String(), err)
		errs = append(errs, err)
	} else {
		self.stat.Modify(func(s *tele_api.Stat) { s.Archived++ })
	}
	status := store.Pending
	if m.Header.SendingSkipped {
		status = store.Done
	}
	if _, err = self.store.Append(m, status); err != nil {
		self.log.Errorf("CRITICAL store %s err=%v", m.String(), err)
		errs = append(errs, err)
	} else {
		self.stat.Modify(func(s *tele_api.Stat) { s.Enqueued++ })
	}
	return errors.Annotate(helpers.FoldErrors(errs), "enqueue")
}

// LatestConfigRequest drains buffered requests, returns one with greatest revision.
func (self *Tele) LatestConfigRequest() (tele_api.ConfigRequest, bool) {
	return self.confreq.drainLatest()
}

// WaitUntilEmpty blocks until store has no records, ctx expires (timeout error)
// or agent dies (communication outage).
func (self *Tele) WaitUntilEmpty(ctx context.Context) error {
	for {
		n, err := self.store.Count()
		if err != nil {
			return errors.Annotate(err, "wait until empty")
		}
		if n == 0 {
			return nil
		}
		if err = self.CheckLiveness(); err != nil {
			return err
		}
		select {
		case <-time.After(waitEmptyPollInterval):
		case <-ctx.Done():
			return errors.NewTimeout(ctx.Err(), fmt.Sprintf("wait until empty remaining=%d", n))
		}
	}
}

func (self *Tele) Revision() int     { return int(atomic.LoadInt64(&self.revision)) }
func (self *Tele) SetRevision(r int) { atomic.StoreInt64(&self.revision, int64(r)) }
func (self *Tele) Stat() tele_api.Stat {
	return self.stat.Get()
}

// Counts is store histogram for status reports.
func (self *Tele) Counts() (map[store.Status]int, error) { return self.store.CountByStatus() }

func (self *Tele) agentFinished() bool {
	al := self.currentAlive()
	if al == nil {
		return true
	}
	select {
	case <-al.WaitChan():
		return true
	default:
		return false
	}
}

func (self *Tele) currentAlive() *alive.Alive {
	if x := self.current.Load(); x != nil {
		return x.(*alive.Alive)
	}
	return nil
}

func (self *Tele) agentWorker(a *agent, al *alive.Alive) {
	defer al.Done()
	var err error
	defer func() {
		if x := recover(); x != nil {
			err = errors.Errorf("agent panic: %v", x)
			self.log.Errorf("CRITICAL %v\n%s", err, debug.Stack())
		}
		ctx, cancel := context.WithTimeout(context.Background(), self.config.TeardownTimeout())
		defer cancel()
		if terr := a.teardown(ctx); terr != nil {
			self.log.Errorf("CRITICAL %v", terr)
			if err == nil {
				err = terr
			}
		}
		if err != nil {
			self.agentErr.StoreOnce(err)
		}
		// finish alive even when not requested, CheckLiveness observes WaitChan
		al.Stop()
	}()

	if err = a.run(al.StopChan()); err != nil {
		self.log.Errorf("CRITICAL delivery agent err=%v", err)
	}
}
