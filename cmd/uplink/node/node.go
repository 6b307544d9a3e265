// Package node is station daemon: delivery service plus configuration revision loop.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fieldsense/uplink/cmd/uplink/subcmd"
	"github.com/fieldsense/uplink/internal/state"
	"github.com/fieldsense/uplink/internal/store"
	"github.com/fieldsense/uplink/internal/tele"
	"github.com/fieldsense/uplink/log2"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "node", Usage: "run station daemon (default)", Main: Main}

type Service interface {
	tele_api.Teler
	Start(context.Context) error
	WaitUntilEmpty(context.Context) error
	Counts() (map[store.Status]int, error)
	Close() error
}

var _ Service = &tele.Tele{} // compile-time interface test

type Node struct {
	Drain    time.Duration
	Log      *log2.Log
	Notify   func(string) bool // nil = not under service manager
	Poll     time.Duration
	Revision *state.Revision
	Tele     Service
}

func Main(ctx context.Context, env subcmd.Env) error {
	t, err := tele.New(env.Log, env.Config.Tele)
	if err != nil {
		return errors.Annotate(err, "node")
	}
	rev, err := state.NewRevision(env.Log, env.Config.RevisionRoot())
	if err != nil {
		_ = t.Close()
		return errors.Annotate(err, "node")
	}
	n := &Node{
		Drain:    env.Config.DrainTimeout(),
		Log:      env.Log,
		Notify:   subcmd.SdNotify,
		Poll:     env.Config.NodePoll(),
		Revision: rev,
		Tele:     t,
	}
	return n.Run(ctx)
}

// Run blocks until ctx is done (nil after drain) or delivery agent dies (communication outage).
// Tele is closed on return.
func (self *Node) Run(ctx context.Context) error {
	self.Tele.SetRevision(self.Revision.Current())
	if err := self.Tele.Start(ctx); err != nil {
		if cerr := self.Tele.Close(); cerr != nil {
			self.Log.Errorf("node close err=%v", cerr)
		}
		return errors.Annotate(err, "node start")
	}
	self.notify(daemon.SdNotifyReady)
	self.Log.Infof("node running revision=%d", self.Tele.Revision())
	if err := self.Tele.Enqueue(&tele_api.Log{Severity: tele_api.SeverityInfo, Subject: "node started"}); err != nil {
		self.Log.Errorf("node enqueue err=%v", err)
	}

	err := self.loop(ctx)
	self.notify(daemon.SdNotifyStopping)
	if err == nil {
		self.drain()
	} else {
		self.Log.Errorf("node err=%v", err)
	}
	if cerr := self.Tele.Close(); cerr != nil {
		if err == nil {
			return errors.Annotate(cerr, "node close")
		}
		self.Log.Errorf("node close err=%v", cerr)
	}
	return err
}

func (self *Node) loop(ctx context.Context) error {
	tick := time.NewTicker(self.Poll)
	defer tick.Stop()
	for {
		if err := self.Tele.CheckLiveness(); err != nil {
			return errors.Annotate(err, "node")
		}
		if _, err := self.Revision.Handle(self.Tele); err != nil {
			self.Log.Errorf("node configuration request err=%v", err)
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// drain gives delivery agent time to publish what is queued, undelivered stays in store for next run.
func (self *Node) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), self.Drain)
	defer cancel()
	if err := self.Tele.WaitUntilEmpty(ctx); err != nil {
		self.Log.Errorf("node drain err=%v remain=(%s) stat=%s", err, self.remaining(), self.Tele.Stat().String())
	}
}

func (self *Node) remaining() string {
	counts, err := self.Tele.Counts()
	if err != nil {
		return fmt.Sprintf("err=%v", err)
	}
	return fmt.Sprintf("%s=%d %s=%d %s=%d",
		store.Pending, counts[store.Pending],
		store.InProgress, counts[store.InProgress],
		store.Done, counts[store.Done])
}

func (self *Node) notify(s string) {
	if self.Notify != nil {
		self.Notify(s)
	}
}
