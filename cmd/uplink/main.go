package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fieldsense/uplink/cmd/uplink/archive"
	"github.com/fieldsense/uplink/cmd/uplink/monitor"
	"github.com/fieldsense/uplink/cmd/uplink/node"
	"github.com/fieldsense/uplink/cmd/uplink/pushconfig"
	"github.com/fieldsense/uplink/cmd/uplink/subcmd"
	"github.com/fieldsense/uplink/internal/state"
	"github.com/fieldsense/uplink/log2"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

var modules = []subcmd.Mod{
	node.Mod,
	monitor.Mod,
	pushconfig.Mod,
	archive.Mod,
}

func main() {
	flagConfig := flag.String("config", "uplink.hcl", "config file, includes are relative to it")
	flag.Usage = usage
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	switch {
	case subcmd.SdNotify("start"):
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	case isatty.IsTerminal(os.Stderr.Fd()):
		log.SetFlags(log2.LInteractiveFlags)
	}

	command, args := "node", []string{}
	if flag.NArg() != 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		usage()
		log.Fatal(err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	log.SetLevel(config.LogLevel())
	log.Debugf("config=%s", *flagConfig)

	ctx, cancel := subcmd.SignalContext(context.Background(), log)
	defer cancel()
	if err := mod.Main(ctx, subcmd.Env{Args: args, Config: config, Log: log}); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config uplink.hcl] [command [flags]]\n", os.Args[0])
	flag.PrintDefaults()
	for _, m := range modules {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-12s %s\n", m.Name, m.Usage)
	}
}
