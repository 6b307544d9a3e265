// Package subcmd dispatches uplink sub-commands.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fieldsense/uplink/internal/state"
	"github.com/fieldsense/uplink/log2"
	"golang.org/x/sys/unix"
)

type Env struct {
	Args   []string // after sub-command name
	Config *state.Config
	Log    *log2.Log
}

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, Env) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s'", command)
}

// SdNotify returns true when running under systemd.
func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdnotify %s err=%v\n", s, err)
	}
	return ok
}

// SignalContext is canceled by SIGINT or SIGTERM.
func SignalContext(parent context.Context, log *log2.Log) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case s := <-sigs:
			log.Infof("signal=%v stopping", s)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
