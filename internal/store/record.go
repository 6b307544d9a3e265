package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
)

type Status uint8

const (
	StatusInvalid Status = iota
	Pending
	InProgress
	Done
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	}
	return fmt.Sprintf("invalid(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return Pending, nil
	case "in-progress":
		return InProgress, nil
	case "done":
		return Done, nil
	}
	return StatusInvalid, errors.NotValidf("status=%q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case Pending, InProgress, Done:
		return []byte(s.String()), nil
	}
	return nil, errors.NotValidf("status=%d", uint8(s))
}

func (s *Status) UnmarshalText(b []byte) error {
	x, err := ParseStatus(string(b))
	*s = x
	return err
}

// Record is queued message with delivery status.
// ID is assigned by Store, increasing and never reused.
type Record struct {
	ID      uint64       `json:"-"`
	Status  Status       `json:"status"`
	Content tele.Message `json:"content"`
}

func (r Record) String() string {
	return fmt.Sprintf("record(id=%d status=%s %s)", r.ID, r.Status, r.Content.String())
}

const keyPrefixLen = 4
const keyLen = keyPrefixLen + 8

var recordKeyPrefix = [keyPrefixLen]byte{'m', 's', 'r', '1'}
var recordKeyLimit = [keyPrefixLen]byte{'m', 's', 'r', '2'}
var metaNextKey = []byte("msm1/next")

func encodeKey(key []byte, id uint64) {
	copy(key, recordKeyPrefix[:])
	binary.BigEndian.PutUint64(key[keyPrefixLen:], id)
}

func unkey(key []byte) (uint64, error) {
	if len(key) != keyLen {
		return 0, ErrInvalidKey
	}
	if !bytes.Equal(key[:keyPrefixLen], recordKeyPrefix[:]) {
		return 0, ErrInvalidKey
	}
	return binary.BigEndian.Uint64(key[keyPrefixLen:]), nil
}

func encodeRecord(r *Record) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, errors.Annotatef(err, "encode record id=%d", r.ID)
}

func decodeRecord(key, value []byte) (Record, error) {
	var r Record
	id, err := unkey(key)
	if err != nil {
		return r, errors.Annotatef(err, "key=%x", key)
	}
	if err = json.Unmarshal(value, &r); err != nil {
		return r, errors.Annotatef(err, "decode record id=%d", id)
	}
	r.ID = id
	return r, nil
}
