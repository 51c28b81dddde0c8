// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package channels tracks payment channel lifecycle against the settlement
// layer: the node's own (outgoing) channels and the incoming channels it
// earns tickets on.
package channels

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gitlab.com/yawning/avl.git"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	channelsBucket = "channels"
	metadataBucket = "metadata"
	versionKey     = "version"

	channelsVersion = 0

	dbFile = "channels.db"
)

// Config parameterizes the channel manager.
type Config struct {
	// DataDir holds the channel view cache.
	DataDir string

	// PollInterval is the settlement view refresh interval.
	PollInterval time.Duration

	// AutoFinalize finalizes the node's own pending closures once their
	// grace period elapses, instead of waiting for a second manual close.
	AutoFinalize bool
}

type closureCtx struct {
	id       types.ChannelID
	deadline time.Time
	node     *avl.Node
}

// Manager maintains the node's channel views and drives lifecycle
// operations.  Views are cached and eventually consistent with the
// settlement layer; mutating operations refresh the affected entry
// immediately.
type Manager struct {
	worker.Worker
	sync.RWMutex

	ep   chain.Endpoint
	self types.Address
	log  *logging.Logger
	db   *bolt.DB

	entries  map[types.ChannelID]types.ChannelEntry
	closures *avl.Tree
	pending  map[types.ChannelID]*closureCtx

	transitionHook func(prev *types.ChannelEntry, cur *types.ChannelEntry)

	pollInterval time.Duration
	autoFinalize bool
	kickCh       chan struct{}
}

// New constructs a Manager, restoring the cached channel view from the
// data dir, and starts the settlement poller.
func New(ep chain.Endpoint, self types.Address, cfg *Config, logBackend *log.Backend) (*Manager, error) {
	m := &Manager{
		ep:           ep,
		self:         self,
		log:          logBackend.GetLogger("channels"),
		entries:      make(map[types.ChannelID]types.ChannelEntry),
		pending:      make(map[types.ChannelID]*closureCtx),
		pollInterval: cfg.PollInterval,
		autoFinalize: cfg.AutoFinalize,
		kickCh:       make(chan struct{}, 1),
	}
	m.closures = avl.New(func(a, b interface{}) int {
		ctxA, ctxB := a.(*closureCtx), b.(*closureCtx)
		switch {
		case ctxA.deadline.Before(ctxB.deadline):
			return -1
		case ctxA.deadline.After(ctxB.deadline):
			return 1
		default:
			return bytes.Compare(ctxA.id[:], ctxB.id[:])
		}
	})
	if m.pollInterval <= 0 {
		m.pollInterval = 250 * time.Millisecond
	}

	var err error
	m.db, err = bolt.Open(filepath.Join(cfg.DataDir, dbFile), 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = m.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := mBkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != channelsVersion {
				return fmt.Errorf("channels: incompatible version: %d", uint(b[0]))
			}
		} else if err = mBkt.Put([]byte(versionKey), []byte{channelsVersion}); err != nil {
			return err
		}

		cBkt, err := tx.CreateBucketIfNotExists([]byte(channelsBucket))
		if err != nil {
			return err
		}
		return cBkt.ForEach(func(k, v []byte) error {
			var entry types.ChannelEntry
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("channels: corrupted entry %x: %v", k, err)
			}
			m.entries[entry.ID] = entry
			m.scheduleClosureLocked(&entry)
			return nil
		})
	}); err != nil {
		m.db.Close()
		return nil, err
	}

	m.Go(m.pollWorker)
	if m.autoFinalize {
		m.Go(m.finalizeWorker)
	}
	return m, nil
}

// Halt stops the workers and closes the view cache.
func (m *Manager) Halt() {
	m.Worker.Halt()
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
}

// Self returns the node's own address.
func (m *Manager) Self() types.Address {
	return m.self
}

// Open opens (or reopens) a channel from this node to dst.
func (m *Manager) Open(ctx context.Context, dst types.Address, amount types.Balance) (types.ChannelID, error) {
	id, err := m.ep.OpenChannel(ctx, m.self, dst, amount)
	if err != nil {
		return id, err
	}
	_, err = m.Refresh(ctx, id)
	return id, err
}

// Fund stakes additional funds into one of this node's open channels.
func (m *Manager) Fund(ctx context.Context, id types.ChannelID, amount types.Balance) error {
	if err := m.ep.FundChannel(ctx, id, amount); err != nil {
		return err
	}
	_, err := m.Refresh(ctx, id)
	return err
}

// Close initiates (or finalizes) closure of a channel this node
// participates in.  The closure direction follows from whether the node is
// the channel's source or destination.
func (m *Manager) Close(ctx context.Context, id types.ChannelID) (types.ChannelStatus, error) {
	status, err := m.ep.CloseChannel(ctx, id, m.self)
	if err != nil {
		return status, err
	}
	if _, rerr := m.Refresh(ctx, id); rerr != nil {
		m.log.Warningf("failed to refresh %v after close: %v", id, rerr)
	}
	return status, nil
}

// Lookup returns the cached entry for a channel.
func (m *Manager) Lookup(id types.ChannelID) (types.ChannelEntry, error) {
	m.RLock()
	defer m.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return types.ChannelEntry{}, types.ErrChannelNotFound
	}
	return entry, nil
}

// ByPair returns the cached entry for the directed pair (src, dst).
func (m *Manager) ByPair(src, dst types.Address) (types.ChannelEntry, error) {
	return m.Lookup(types.NewChannelID(src, dst))
}

// Own returns the channels where this node is the source.
func (m *Manager) Own() []types.ChannelEntry {
	return m.filtered(func(e *types.ChannelEntry) bool { return e.Source == m.self })
}

// Incoming returns the channels where this node is the destination.
func (m *Manager) Incoming() []types.ChannelEntry {
	return m.filtered(func(e *types.ChannelEntry) bool { return e.Destination == m.self })
}

// All returns every cached channel entry.
func (m *Manager) All() []types.ChannelEntry {
	return m.filtered(func(*types.ChannelEntry) bool { return true })
}

func (m *Manager) filtered(keep func(*types.ChannelEntry) bool) []types.ChannelEntry {
	m.RLock()
	defer m.RUnlock()
	var out []types.ChannelEntry
	for _, entry := range m.entries {
		if keep(&entry) {
			out = append(out, entry)
		}
	}
	return out
}

// Refresh fetches a channel's current settlement entry and updates the
// cached view.
func (m *Manager) Refresh(ctx context.Context, id types.ChannelID) (types.ChannelEntry, error) {
	entry, err := m.ep.GetChannel(ctx, id)
	if err != nil {
		return entry, err
	}
	m.apply(&entry)
	return entry, nil
}

// WaitStatus polls the settlement layer until the channel reaches the
// given status or the attempt budget runs out.
func (m *Manager) WaitStatus(ctx context.Context, id types.ChannelID, status types.ChannelStatus, cfg retry.PollConfig) (retry.Outcome, error) {
	return retry.Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		entry, err := m.Refresh(ctx, id)
		if err != nil {
			return false, err
		}
		return entry.Status == status, nil
	})
}

func (m *Manager) pollWorker() {
	t := time.NewTicker(m.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-t.C:
		}

		entries, err := m.ep.ListChannels(context.Background(), m.self)
		if err != nil {
			m.log.Debugf("settlement poll failed: %v", err)
			continue
		}
		for i := range entries {
			m.apply(&entries[i])
		}
	}
}

func (m *Manager) apply(entry *types.ChannelEntry) {
	m.Lock()
	prev, known := m.entries[entry.ID]
	m.entries[entry.ID] = *entry
	hook := m.transitionHook
	m.scheduleClosureLocked(entry)
	m.Unlock()

	changed := !known || prev.Status != entry.Status || prev.Epoch != entry.Epoch
	if !known {
		m.log.Noticef("channel %v: discovered %v -> %v (%v, epoch %d)", entry.ID, entry.Source, entry.Destination, entry.Status, entry.Epoch)
	} else if changed {
		m.log.Noticef("channel %v: %v (epoch %d) -> %v (epoch %d)", entry.ID, prev.Status, prev.Epoch, entry.Status, entry.Epoch)
	}

	if changed && hook != nil {
		var prevPtr *types.ChannelEntry
		if known {
			p := prev
			prevPtr = &p
		}
		cur := *entry
		hook(prevPtr, &cur)
	}

	if err := m.persist(entry); err != nil {
		m.log.Warningf("failed to persist channel %v: %v", entry.ID, err)
	}
}

// SetTransitionHook registers a callback invoked whenever a channel is
// first discovered or changes status or epoch.  prev is nil on discovery.
// The hook runs on the poller goroutine and must not block.
func (m *Manager) SetTransitionHook(fn func(prev *types.ChannelEntry, cur *types.ChannelEntry)) {
	m.Lock()
	defer m.Unlock()
	m.transitionHook = fn
}

func (m *Manager) persist(entry *types.ChannelEntry) error {
	blob, err := cbor.Marshal(entry)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).Put(entry.ID[:], blob)
	})
}

// scheduleClosureLocked maintains the pending closure schedule.  Callers
// hold the write lock.
func (m *Manager) scheduleClosureLocked(entry *types.ChannelEntry) {
	ctx, scheduled := m.pending[entry.ID]

	if entry.Status != types.ChannelPendingToClose || entry.Source != m.self {
		if scheduled {
			m.closures.Remove(ctx.node)
			delete(m.pending, entry.ID)
		}
		return
	}
	if scheduled {
		if ctx.deadline.Equal(entry.ClosureTime) {
			return
		}
		m.closures.Remove(ctx.node)
	}
	ctx = &closureCtx{id: entry.ID, deadline: entry.ClosureTime}
	ctx.node = m.closures.Insert(ctx)
	m.pending[entry.ID] = ctx
	m.kick()
}

func (m *Manager) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) finalizeWorker() {
	const idleWait = time.Minute

	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		wait := idleWait
		m.RLock()
		if node := m.closures.First(); node != nil {
			deadline := node.Value.(*closureCtx).deadline
			wait = time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
		}
		m.RUnlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.HaltCh():
			return
		case <-m.kickCh:
			continue
		case <-timer.C:
		}

		m.finalizeDue()
	}
}

func (m *Manager) finalizeDue() {
	now := time.Now()

	var due []types.ChannelID
	m.Lock()
	iter := m.closures.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ctx := node.Value.(*closureCtx)
		if ctx.deadline.After(now) {
			break
		}
		due = append(due, ctx.id)
		m.closures.Remove(node)
		delete(m.pending, ctx.id)
	}
	m.Unlock()

	for _, id := range due {
		status, err := m.Close(context.Background(), id)
		if err != nil {
			m.log.Warningf("auto finalize of %v failed: %v", id, err)
			continue
		}
		m.log.Noticef("channel %v: closure auto finalized (%v)", id, status)
	}
}
