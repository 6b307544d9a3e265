// Package pushconfig publishes retained configuration request for a station.
package pushconfig

import (
	"context"
	"encoding/json"
	"flag"
	"io/ioutil"

	"github.com/fieldsense/uplink/cmd/uplink/monitor"
	"github.com/fieldsense/uplink/cmd/uplink/subcmd"
	tele_api "github.com/fieldsense/uplink/tele"
	gomqtt "github.com/fieldsense/uplink/tele/mqtt"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "push-config", Usage: "publish configuration -revision N (-version V | -file config.json) [-station id]", Main: Main}

func Main(ctx context.Context, env subcmd.Env) error {
	fs := flag.NewFlagSet("push-config", flag.ContinueOnError)
	station := fs.String("station", env.Config.Tele.StationId, "station id")
	revision := fs.Int("revision", -1, "configuration revision, must grow")
	version := fs.String("version", "", "configuration version")
	file := fs.String("file", "", "JSON configuration object, version inside or from -version")
	if err := fs.Parse(env.Args); err != nil {
		return err
	}
	r, err := BuildRequest(*revision, *version, *file)
	if err != nil {
		return errors.Annotate(err, "push-config")
	}

	opt, err := monitor.Options(&env.Config.Tele, env.Log)
	if err != nil {
		return errors.Annotate(err, "push-config")
	}
	mc, err := gomqtt.NewClient(opt)
	if err != nil {
		return errors.Annotate(err, "push-config")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*env.Config.Tele.ConnectTimeout())
	defer cancel()
	err = mc.PushConfig(ctx, env.Config.Tele.BaseTopic, *station, r)
	if cerr := mc.Close(); cerr != nil {
		env.Log.Errorf("push-config close err=%v", cerr)
	}
	if err != nil {
		return errors.Annotate(err, "push-config")
	}
	env.Log.Infof("push-config station=%s revision=%d version=%s done", *station, r.Revision, r.Configuration.Version)
	return nil
}

// BuildRequest reads optional configuration file, -version overrides version from file.
func BuildRequest(revision int, version, file string) (tele_api.ConfigRequest, error) {
	r := tele_api.ConfigRequest{Revision: revision}
	if file != "" {
		b, err := ioutil.ReadFile(file)
		if err != nil {
			return r, errors.Annotatef(err, "configuration file=%s", file)
		}
		var raw map[string]json.RawMessage
		if err = json.Unmarshal(b, &raw); err != nil {
			return r, errors.Annotatef(err, "configuration file=%s", file)
		}
		if _, ok := raw["version"]; !ok && version != "" {
			raw["version"], _ = json.Marshal(version)
		}
		if b, err = json.Marshal(raw); err != nil {
			return r, err
		}
		if err = json.Unmarshal(b, &r.Configuration); err != nil {
			return r, errors.Annotatef(err, "configuration file=%s", file)
		}
	}
	if version != "" {
		r.Configuration.Version = version
	}
	return r, r.Validate()
}
