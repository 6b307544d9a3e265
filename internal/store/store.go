// Package store is persistent message queue with status tracked records,
// designed for crash safety where message loss is not an option at cost of speed.
// Every public method is one synchronous leveldb write batch or one consistent read.
// There is no transaction across calls, callers must derive behavior from stored state alone.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fieldsense/uplink/tele"
	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Path value to open in-memory storage.
const OnlyForTesting = "\x00"

var (
	ErrClosed     = fmt.Errorf("message store is closed")
	ErrInvalidKey = fmt.Errorf("message store key invalid")
)

type Store struct { //nolint:maligned
	db         *leveldb.DB
	dbROpt     opt.ReadOptions
	dbWOpt     opt.WriteOptions
	dbRangeAll *util.Range

	mu     sync.RWMutex
	closed bool
	next   uint64
}

func Open(path string) (*Store, error) {
	s := &Store{
		dbROpt: opt.ReadOptions{},
		dbWOpt: opt.WriteOptions{
			NoWriteMerge: true,
			Sync:         true,
		},
		dbRangeAll: &util.Range{
			Start: recordKeyPrefix[:],
			Limit: recordKeyLimit[:],
		},
	}
	if err := s.load(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(path string) error {
	o := &opt.Options{
		BlockCacheCapacity:   -1,
		BlockRestartInterval: 1, // checksum each key
		BlockSize:            1 << 10,
		DisableBlockCache:    true,
		NoSync:               false,
		NoWriteMerge:         true,
		Strict:               opt.StrictJournalChecksum | opt.StrictBlockChecksum,
		WriteBuffer:          16 << 10,
	}
	var err error
	if path == OnlyForTesting {
		s.db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		s.db, err = leveldb.OpenFile(path, o)
		if ldberrors.IsCorrupted(err) {
			s.db, err = leveldb.RecoverFile(path, o)
		}
	}
	if err != nil {
		return errors.Annotatef(err, "message store open path=%q", path)
	}

	// next id is persisted separately so removing last record does not cause reuse
	if b, err := s.db.Get(metaNextKey, &s.dbROpt); err == nil && len(b) == 8 {
		s.next = binary.BigEndian.Uint64(b)
	} else if err != nil && err != leveldb.ErrNotFound {
		_ = s.db.Close()
		return errors.Annotate(err, "message store read next id")
	}
	iter := s.db.NewIterator(s.dbRangeAll, &s.dbROpt)
	defer iter.Release()
	if iter.Last() {
		last, err := unkey(iter.Key())
		if err != nil {
			_ = s.db.Close()
			return errors.Annotatef(err, "message store load key=%x", iter.Key())
		}
		if last >= s.next {
			s.next = last + 1
		}
	}
	if s.next == 0 {
		s.next = 1
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.mu.Lock()
	if !s.closed {
		err = s.db.Close()
		s.closed = true
	}
	s.mu.Unlock()
	return err
}

// Append inserts new record with status Pending or Done and returns its id.
func (s *Store) Append(m tele.Message, status Status) (uint64, error) {
	if status != Pending && status != Done {
		return 0, errors.NotValidf("append status=%s", status)
	}
	r := Record{Status: status, Content: m}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	r.ID = s.next
	value, err := encodeRecord(&r)
	if err != nil {
		return 0, err
	}
	var key [keyLen]byte
	encodeKey(key[:], r.ID)
	var next [8]byte
	binary.BigEndian.PutUint64(next[:], r.ID+1)
	b := leveldb.Batch{}
	b.Put(key[:], value)
	b.Put(metaNextKey, next[:])
	if err = s.db.Write(&b, &s.dbWOpt); err != nil {
		return 0, errors.Annotate(err, "message store append")
	}
	s.next++
	return r.ID, nil
}

// ByStatus returns records in id (insertion) order. limit<=0 means no limit.
func (s *Store) ByStatus(status Status, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	result := make([]Record, 0, 16)
	iter := s.db.NewIterator(s.dbRangeAll, &s.dbROpt)
	defer iter.Release()
	for iter.Next() {
		r, err := decodeRecord(iter.Key(), iter.Value())
		if err != nil {
			return result, errors.Annotate(err, "message store by status")
		}
		if r.Status != status {
			continue
		}
		result = append(result, r)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, errors.Annotate(iter.Error(), "message store iterate")
}

// Get returns record by id, errors.NotFound if it does not exist.
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	var key [keyLen]byte
	encodeKey(key[:], id)
	value, err := s.db.Get(key[:], &s.dbROpt)
	if err == leveldb.ErrNotFound {
		return Record{}, errors.NotFoundf("record id=%d", id)
	} else if err != nil {
		return Record{}, errors.Annotatef(err, "message store get id=%d", id)
	}
	return decodeRecord(key[:], value)
}

// Update persists Status and Content of given records by ID.
// Records removed meanwhile are skipped, never recreated.
func (s *Store) Update(rs []Record) error {
	if len(rs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b := leveldb.Batch{}
	for i := range rs {
		r := &rs[i]
		var key [keyLen]byte
		encodeKey(key[:], r.ID)
		ok, err := s.db.Has(key[:], &s.dbROpt)
		if err != nil {
			return errors.Annotatef(err, "message store update id=%d", r.ID)
		}
		if !ok {
			continue
		}
		value, err := encodeRecord(r)
		if err != nil {
			return err
		}
		b.Put(key[:], value)
	}
	if b.Len() == 0 {
		return nil
	}
	return errors.Annotate(s.db.Write(&b, &s.dbWOpt), "message store update")
}

// Remove deletes records by id, unknown ids are ignored.
func (s *Store) Remove(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	b := leveldb.Batch{}
	for _, id := range ids {
		var key [keyLen]byte
		encodeKey(key[:], id)
		b.Delete(key[:])
	}
	return errors.Annotate(s.db.Write(&b, &s.dbWOpt), "message store remove")
}

// Count is total number of records regardless of status.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	iter := s.db.NewIterator(s.dbRangeAll, &s.dbROpt)
	defer iter.Release()
	for iter.Next() {
		n++
	}
	return n, errors.Annotate(iter.Error(), "message store count")
}

// CountByStatus is one pass histogram, used for status reports.
func (s *Store) CountByStatus() (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	result := make(map[Status]int, 3)
	iter := s.db.NewIterator(s.dbRangeAll, &s.dbROpt)
	defer iter.Release()
	for iter.Next() {
		r, err := decodeRecord(iter.Key(), iter.Value())
		if err != nil {
			return result, errors.Annotate(err, "message store count by status")
		}
		result[r.Status]++
	}
	return result, errors.Annotate(iter.Error(), "message store iterate")
}
