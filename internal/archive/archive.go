// Package archive keeps local append-only copy of every enqueued message,
// one JSON object per line, one file per UTC day.
// Nothing here reads the archive for delivery, it is for humans and audit tools.
package archive

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

const DayLayout = "2006-01-02"
const fileSuffix = ".jsonl"

type Writer struct {
	sync.Mutex
	dir string
	now func() time.Time
}

func New(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.NotValidf("archive dir=empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Annotatef(err, "archive dir=%s", dir)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

// SetClock replaces wall clock source, used by tests to cross day boundary.
func (self *Writer) SetClock(now func() time.Time) {
	self.Lock()
	self.now = now
	self.Unlock()
}

func (self *Writer) Dir() string { return self.dir }

// Path returns file name for UTC day of t.
func (self *Writer) Path(t time.Time) string { return DayPath(self.dir, t) }

func DayPath(dir string, t time.Time) string {
	return filepath.Join(dir, t.UTC().Format(DayLayout)+fileSuffix)
}

// Append writes message as single line and syncs file before return.
// Archive day is taken from wall clock at append, not message timestamp.
func (self *Writer) Append(m tele.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Annotatef(err, "archive encode %s", m.String())
	}
	b = append(b, '\n')

	self.Lock()
	defer self.Unlock()
	path := self.Path(self.now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return errors.Annotatef(err, "archive open %s", path)
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "archive write %s", path)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "archive sync %s", path)
	}
	return errors.Annotatef(f.Close(), "archive close %s", path)
}

// Scan calls fn for each archived message of UTC day in file order.
// Missing file is not an error, fn is not called.
// Error returned by fn stops iteration and is returned as is.
func (self *Writer) Scan(day time.Time, fn func(tele.Message) error) error {
	return ScanFile(self.Path(day), fn)
}

func ScanFile(path string, fn func(tele.Message) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Annotatef(err, "archive open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m tele.Message
		if err = json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return errors.Annotatef(err, "archive %s:%d", path, line)
		}
		if err = fn(m); err != nil {
			return err
		}
	}
	return errors.Annotatef(scanner.Err(), "archive read %s", path)
}
