// Package persist binds in-memory state to crash-safe single blob storage.
package persist

import (
	"encoding"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldsense/uplink/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

const (
	dirPerm  os.FileMode = 0o750
	filePerm os.FileMode = 0o640

	frameHeaderLen = 4
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist calls target Marshal/Unmarshal under own lock.
// Disabled Persist (empty root) makes Load and Store no-op.
//
// Stored blob is a frame: big endian uint32 payload length, payload, zero padding.
// Storage overwrites in place without truncate, so frame size never shrinks:
// it is padded to the largest frame seen (high water).
type Persist struct {
	sync.Mutex
	log       *log2.Log
	tag       string
	target    Stater
	storage   storage
	highWater int
	seen      bool
}

func (self *Persist) Init(tag string, target Stater, root string, log *log2.Log) error {
	if tag == "" || target == nil {
		return errors.NotValidf("code error persist tag=%q target=%v", tag, target)
	}
	self.tag = tag
	self.log = log
	self.target = target
	if root == "" {
		self.log.Debugf("persist %s disabled", self.tag)
		return nil
	}
	self.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  dirPerm,
		FilePerm: filePerm,
	})
	return nil
}

func (self *Persist) Enabled() bool { return self.storage != nil }

// Load leaves target untouched when nothing was stored yet.
func (self *Persist) Load() error {
	if self.tag == "" {
		return errors.Errorf("code error persist Load before Init")
	}
	if self.storage == nil {
		return nil
	}
	self.Lock()
	defer self.Unlock()
	b, err := self.read()
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	payload, err := unframe(b)
	if err != nil {
		return errors.Annotatef(err, "persist %s load", self.tag)
	}
	return errors.Annotatef(self.target.UnmarshalBinary(payload), "persist %s load", self.tag)
}

// read remembers stored frame size. Caller must hold lock.
func (self *Persist) read() ([]byte, error) {
	tbegin := time.Now()
	b, err := self.storage.Read()
	self.log.Debugf("persist %s read duration=%v", self.tag, time.Since(tbegin))
	if extremofile.IsCritical(err) {
		return nil, errors.Annotatef(err, "persist %s load", self.tag)
	}
	if err != nil {
		// main copy damaged, backup used
		self.log.Errorf("persist %s ignore non-critical storage err=%v", self.tag, err)
	}
	self.seen = true
	if len(b) > self.highWater {
		self.highWater = len(b)
	}
	return b, nil
}

func (self *Persist) Store() error {
	if self.tag == "" {
		return errors.Errorf("code error persist Store before Init")
	}
	if self.storage == nil {
		return nil
	}
	self.Lock()
	defer self.Unlock()
	if !self.seen {
		if _, err := self.read(); err != nil {
			return errors.Annotatef(err, "persist %s store", self.tag)
		}
	}
	payload, err := self.target.MarshalBinary()
	if err != nil {
		return errors.Annotatef(err, "persist %s marshal", self.tag)
	}
	b := frame(payload, self.highWater)
	self.highWater = len(b)
	tbegin := time.Now()
	_, err = self.storage.Write(b)
	self.log.Debugf("persist %s write duration=%v", self.tag, time.Since(tbegin))
	if err != nil && !extremofile.IsCritical(err) {
		// main written, backup failed
		self.log.Errorf("persist %s ignore non-critical storage err=%v", self.tag, err)
		return nil
	}
	return errors.Annotatef(err, "persist %s store", self.tag)
}

func frame(payload []byte, size int) []byte {
	n := frameHeaderLen + len(payload)
	if size < n {
		size = n
	}
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	copy(b[frameHeaderLen:], payload)
	return b
}

func unframe(b []byte) ([]byte, error) {
	if len(b) < frameHeaderLen {
		return nil, errors.NotValidf("frame length=%d", len(b))
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-frameHeaderLen) {
		return nil, errors.NotValidf("frame payload=%d available=%d", n, len(b)-frameHeaderLen)
	}
	return b[frameHeaderLen : frameHeaderLen+int(n)], nil
}
