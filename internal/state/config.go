package state

import (
	"path/filepath"
	"time"

	"github.com/fieldsense/uplink/helpers"
	"github.com/fieldsense/uplink/log2"
	tele_config "github.com/fieldsense/uplink/tele/config"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	DefaultNodePoll     = 1 * time.Second
	DefaultDrainTimeout = 10 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Log struct {
		Level string `hcl:"level"`
	} `hcl:"log"`
	Node struct {
		PollSec  int `hcl:"poll_sec"`
		DrainSec int `hcl:"drain_sec"`
	} `hcl:"node"`
	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Tele tele_config.Config `hcl:"tele"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) LogLevel() log2.Level {
	l, _ := log2.ParseLevel(c.Log.Level) // checked in finish()
	return l
}
func (c *Config) NodePoll() time.Duration {
	return helpers.IntSecondDefault(c.Node.PollSec, DefaultNodePoll)
}

// DrainTimeout bounds waiting for delivery of queued messages on shutdown.
func (c *Config) DrainTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Node.DrainSec, DefaultDrainTimeout)
}
func (c *Config) RevisionRoot() string { return c.Persist.Root }

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}
	if bs == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// finish validates merged sources and derives storage paths from persist root.
func (c *Config) finish() error {
	if _, err := log2.ParseLevel(c.Log.Level); err != nil {
		return errors.NewNotValid(err, "config log.level")
	}
	if c.Persist.Root == "" {
		return errors.NotValidf("config persist.root=empty")
	}
	if c.Node.PollSec < 0 || c.Node.DrainSec < 0 {
		return errors.NotValidf("config node poll_sec=%d drain_sec=%d", c.Node.PollSec, c.Node.DrainSec)
	}
	c.Tele.StorePath = filepath.Join(c.Persist.Root, "queue")
	c.Tele.ArchiveDir = filepath.Join(c.Persist.Root, "archive")
	return errors.Annotate(c.Tele.Validate(), "config")
}

// ReadConfig merges sources in order, later values override earlier.
// Relative names are resolved against directory of the first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
