// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package inbox stores delivered payloads per application tag until a
// client collects them.
package inbox

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/linxGnu/grocksdb"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	// DefaultCapacity is the per-tag entry limit.  Past it the oldest
	// entries are evicted.
	DefaultCapacity = 512

	dbFile = "inbox.db"

	// Keys are tag(2) || receive nanos(8) || sequence(4), all big
	// endian, so iteration order is arrival order within a tag.
	keySize = 14
)

// Message is one delivered payload.
type Message struct {
	Payload    []byte
	ReceivedAt time.Time
}

type storedMessage struct {
	Payload    []byte `cbor:"payload"`
	ReceivedAt int64  `cbor:"received_at"`
}

// Inbox is a tag-indexed FIFO of delivered messages, persisted in
// rocksdb.  Reserved tags are refused on every surface.
type Inbox struct {
	sync.Mutex

	log *logging.Logger
	db  *grocksdb.DB

	capacity int
	seq      uint32
	total    int
}

// New opens (creating if necessary) the inbox database under dataDir.
// capacity <= 0 selects DefaultCapacity.
func New(dataDir string, capacity int, logBackend *log.Backend) (*Inbox, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	db, err := grocksdb.OpenDb(opts, filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, err
	}

	ib := &Inbox{
		log:      logBackend.GetLogger("inbox"),
		db:       db,
		capacity: capacity,
	}
	ib.total, err = ib.countAll()
	if err != nil {
		db.Close()
		return nil, err
	}
	instrument.InboxSize(ib.total)
	return ib, nil
}

// Close closes the database.
func (ib *Inbox) Close() {
	ib.Lock()
	defer ib.Unlock()
	ib.db.Close()
}

// Push appends a payload under tag, evicting the oldest entries if the
// tag is at capacity.
func (ib *Inbox) Push(tag types.Tag, payload []byte) error {
	if tag.Reserved() {
		return types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()

	n, err := ib.countTag(tag)
	if err != nil {
		return err
	}
	for ; n >= ib.capacity; n-- {
		oldest, err := ib.oldestKey(tag)
		if err != nil {
			return err
		}
		if err = ib.delete(oldest); err != nil {
			return err
		}
		ib.total--
		ib.log.Debugf("evicted oldest entry for tag %d", tag)
	}

	now := time.Now()
	blob, err := cbor.Marshal(&storedMessage{Payload: payload, ReceivedAt: now.UnixNano()})
	if err != nil {
		return err
	}

	wo := grocksdb.NewDefaultWriteOptions()
	defer wo.Destroy()
	if err = ib.db.Put(wo, ib.nextKey(tag, now), blob); err != nil {
		return err
	}
	ib.total++
	instrument.InboxSize(ib.total)
	return nil
}

// Pop removes and returns the oldest message under tag, or nil when the
// tag is empty.
func (ib *Inbox) Pop(tag types.Tag) (*Message, error) {
	if tag.Reserved() {
		return nil, types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()

	key, msg, err := ib.oldest(tag)
	if err != nil || msg == nil {
		return nil, err
	}
	if err = ib.delete(key); err != nil {
		return nil, err
	}
	ib.total--
	instrument.InboxSize(ib.total)
	return msg, nil
}

// PopAll removes and returns every message under tag in arrival order.
func (ib *Inbox) PopAll(tag types.Tag) ([]Message, error) {
	if tag.Reserved() {
		return nil, types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()

	keys, msgs, err := ib.scan(tag, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err = ib.delete(key); err != nil {
			return nil, err
		}
		ib.total--
	}
	instrument.InboxSize(ib.total)
	return msgs, nil
}

// Peek returns the oldest message under tag without removing it, or nil
// when the tag is empty.
func (ib *Inbox) Peek(tag types.Tag) (*Message, error) {
	if tag.Reserved() {
		return nil, types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()

	_, msg, err := ib.oldest(tag)
	return msg, err
}

// PeekAll returns every message under tag received at or after since,
// oldest first, without removing anything.  A zero since returns all.
func (ib *Inbox) PeekAll(tag types.Tag, since time.Time) ([]Message, error) {
	if tag.Reserved() {
		return nil, types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()

	_, msgs, err := ib.scan(tag, since)
	return msgs, err
}

// Size returns the number of stored messages under tag.
func (ib *Inbox) Size(tag types.Tag) (int, error) {
	if tag.Reserved() {
		return 0, types.ErrReservedTag
	}

	ib.Lock()
	defer ib.Unlock()
	return ib.countTag(tag)
}

func (ib *Inbox) nextKey(tag types.Tag, now time.Time) []byte {
	k := make([]byte, keySize)
	binary.BigEndian.PutUint16(k[0:2], uint16(tag))
	binary.BigEndian.PutUint64(k[2:10], uint64(now.UnixNano()))
	ib.seq++
	binary.BigEndian.PutUint32(k[10:14], ib.seq)
	return k
}

func tagPrefix(tag types.Tag) []byte {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(tag))
	return p
}

func decodeMessage(blob []byte) (*Message, error) {
	stored := new(storedMessage)
	if err := cbor.Unmarshal(blob, stored); err != nil {
		return nil, err
	}
	return &Message{Payload: stored.Payload, ReceivedAt: time.Unix(0, stored.ReceivedAt)}, nil
}

func (ib *Inbox) delete(key []byte) error {
	wo := grocksdb.NewDefaultWriteOptions()
	defer wo.Destroy()
	return ib.db.Delete(wo, key)
}

func (ib *Inbox) oldestKey(tag types.Tag) ([]byte, error) {
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	it := ib.db.NewIterator(ro)
	defer it.Close()

	prefix := tagPrefix(tag)
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil, it.Err()
	}
	k := it.Key()
	defer k.Free()
	return append([]byte(nil), k.Data()...), nil
}

func (ib *Inbox) oldest(tag types.Tag) ([]byte, *Message, error) {
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	it := ib.db.NewIterator(ro)
	defer it.Close()

	prefix := tagPrefix(tag)
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return nil, nil, it.Err()
	}
	k, v := it.Key(), it.Value()
	defer k.Free()
	defer v.Free()

	msg, err := decodeMessage(v.Data())
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), k.Data()...), msg, nil
}

func (ib *Inbox) scan(tag types.Tag, since time.Time) ([][]byte, []Message, error) {
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	it := ib.db.NewIterator(ro)
	defer it.Close()

	var keys [][]byte
	var msgs []Message
	prefix := tagPrefix(tag)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k, v := it.Key(), it.Value()
		msg, err := decodeMessage(v.Data())
		if err != nil {
			k.Free()
			v.Free()
			return nil, nil, err
		}
		if since.IsZero() || !msg.ReceivedAt.Before(since) {
			keys = append(keys, append([]byte(nil), k.Data()...))
			msgs = append(msgs, *msg)
		}
		k.Free()
		v.Free()
	}
	return keys, msgs, it.Err()
}

func (ib *Inbox) countTag(tag types.Tag) (int, error) {
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	it := ib.db.NewIterator(ro)
	defer it.Close()

	n := 0
	prefix := tagPrefix(tag)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, it.Err()
}

func (ib *Inbox) countAll() (int, error) {
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	it := ib.db.NewIterator(ro)
	defer it.Close()

	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	return n, it.Err()
}
