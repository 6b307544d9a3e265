// Package archive dumps one UTC day of local message archive.
package archive

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fieldsense/uplink/cmd/uplink/subcmd"
	uplink_archive "github.com/fieldsense/uplink/internal/archive"
	tele_api "github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "archive", Usage: "print archived messages [-day YYYY-MM-DD] [-variant logs]", Main: Main}

func Main(ctx context.Context, env subcmd.Env) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	dir := fs.String("dir", env.Config.Tele.ArchiveDir, "archive directory")
	dayFlag := fs.String("day", time.Now().UTC().Format(uplink_archive.DayLayout), "UTC day")
	variant := fs.String("variant", "", "only this variant")
	if err := fs.Parse(env.Args); err != nil {
		return err
	}
	day, err := time.Parse(uplink_archive.DayLayout, *dayFlag)
	if err != nil {
		return errors.NewNotValid(err, "archive day")
	}
	if *variant != "" && !tele_api.Variant(*variant).Valid() {
		return errors.NotValidf("archive variant=%s", *variant)
	}
	n, err := Dump(ctx, os.Stdout, uplink_archive.DayPath(*dir, day), tele_api.Variant(*variant))
	env.Log.Debugf("archive day=%s printed=%d", *dayFlag, n)
	return err
}

// Dump writes one line per message: variant, header, body JSON. Empty variant matches all.
func Dump(ctx context.Context, w io.Writer, path string, variant tele_api.Variant) (int, error) {
	n := 0
	err := uplink_archive.ScanFile(path, func(m tele_api.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if variant != "" && m.Variant != variant {
			return nil
		}
		b, err := json.Marshal(m.Body)
		if err != nil {
			return err
		}
		n++
		_, err = fmt.Fprintf(w, "%s topic=%q skipped=%t %s\n", m.Variant, m.Header.Topic, m.Header.SendingSkipped, b)
		return err
	})
	return n, errors.Annotate(err, "archive dump")
}
