// Package monitor prints decoded traffic of one station as seen by broker.
package monitor

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/fieldsense/uplink/cmd/uplink/subcmd"
	"github.com/fieldsense/uplink/log2"
	tele_config "github.com/fieldsense/uplink/tele/config"
	gomqtt "github.com/fieldsense/uplink/tele/mqtt"
	"github.com/google/uuid"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "monitor", Usage: "print station messages [-station id]", Main: Main}

func Main(ctx context.Context, env subcmd.Env) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	station := fs.String("station", env.Config.Tele.StationId, "station id")
	if err := fs.Parse(env.Args); err != nil {
		return err
	}

	opt, err := Options(&env.Config.Tele, env.Log)
	if err != nil {
		return errors.Annotate(err, "monitor")
	}
	base := env.Config.Tele.BaseTopic
	opt.Subscriptions = gomqtt.StationSubscriptions(base, *station)
	opt.OnMessage = printer(os.Stdout, env.Log, base, *station)
	mc, err := gomqtt.NewClient(opt)
	if err != nil {
		return errors.Annotate(err, "monitor")
	}
	if err = mc.WaitReady(ctx); err != nil {
		_ = mc.Close()
		return errors.Annotate(err, "monitor")
	}
	env.Log.Infof("monitor station=%s subscribed broker=%s", *station, opt.BrokerURL)
	<-ctx.Done()
	return mc.Close()
}

// Options is operator client setup from station config with unique client id.
func Options(c *tele_config.Config, log *log2.Log) (gomqtt.Options, error) {
	tlsconf, err := c.TLSConfig()
	if err != nil {
		return gomqtt.Options{}, err
	}
	return gomqtt.Options{
		BrokerURL:      c.MqttBroker,
		ClientID:       "uplink-mon-" + uuid.New().String(),
		KeepaliveSec:   uint16(c.Keepalive() / time.Second),
		Log:            log,
		NetworkTimeout: c.ConnectTimeout(),
		Password:       c.MqttPassword,
		TLS:            tlsconf,
		Username:       c.MqttUsername,
	}, nil
}

func printer(w io.Writer, log *log2.Log, base, station string) func(*packet.Message) error {
	return func(m *packet.Message) error {
		lines, err := gomqtt.Describe(base, station, m)
		if err != nil {
			// keep session, broken payload is station problem
			log.Errorf("monitor %s err=%v", gomqtt.MessageString(m), err)
			return nil
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s %s\n", m.Topic, line)
		}
		return nil
	}
}
