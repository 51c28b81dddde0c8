// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"bytes"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/types"
)

// DefaultAckDeadline is how long an accepted ticket may wait for its
// acknowledgement before the claim is neglected.
const DefaultAckDeadline = time.Minute

type pendingCtx struct {
	challenge [32]byte
	deadline  time.Time

	node *avl.Node
}

// Expiry neglects pending tickets whose acknowledgement never arrives.
// A pending claim counts against its channel's capacity, so a lost echo
// would otherwise hold that capacity hostage forever.
type Expiry struct {
	worker.Worker
	sync.Mutex

	ledger *Ledger
	log    *logging.Logger

	deadline time.Duration

	deadlines *avl.Tree
	store     map[[32]byte]*pendingCtx
}

// NewExpiry builds the watcher, seeds it with the tickets already
// pending in the ledger, and registers it as the ledger's pending
// watch.  deadline <= 0 selects DefaultAckDeadline.
func NewExpiry(ledger *Ledger, deadline time.Duration, logBackend *log.Backend) (*Expiry, error) {
	if deadline <= 0 {
		deadline = DefaultAckDeadline
	}
	e := &Expiry{
		ledger:   ledger,
		log:      logBackend.GetLogger("tickets/expiry"),
		deadline: deadline,
		deadlines: avl.New(func(a, b interface{}) int {
			ctxA, ctxB := a.(*pendingCtx), b.(*pendingCtx)
			switch {
			case ctxB.deadline.After(ctxA.deadline):
				return -1
			case ctxA.deadline.After(ctxB.deadline):
				return 1
			default:
				return bytes.Compare(ctxA.challenge[:], ctxB.challenge[:])
			}
		}),
		store: make(map[[32]byte]*pendingCtx),
	}

	// Tickets pending across a restart get a fresh full deadline; what
	// matters is that they expire eventually.
	seed, err := ledger.Pending()
	if err != nil {
		return nil, err
	}
	for i := range seed {
		e.Track(seed[i].Challenge)
	}
	ledger.SetPendingWatch(e)

	e.Go(e.worker)
	return e, nil
}

// Track implements PendingWatch.
func (e *Expiry) Track(challenge [32]byte) {
	e.Lock()
	defer e.Unlock()

	if e.store[challenge] != nil {
		return
	}
	ctx := &pendingCtx{
		challenge: challenge,
		deadline:  time.Now().Add(e.deadline),
	}
	ctx.node = e.deadlines.Insert(ctx)
	e.store[challenge] = ctx
}

// Cancel implements PendingWatch.
func (e *Expiry) Cancel(challenge [32]byte) {
	e.Lock()
	defer e.Unlock()

	ctx := e.store[challenge]
	if ctx == nil {
		return
	}
	delete(e.store, challenge)
	e.deadlines.Remove(ctx.node)
	ctx.node = nil
}

func (e *Expiry) worker() {
	interval := e.deadline / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.HaltCh():
			return
		case <-ticker.C:
		}
		e.sweep()
	}
}

func (e *Expiry) sweep() {
	var expired []*pendingCtx

	e.Lock()
	now := time.Now()
	iter := e.deadlines.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ctx := node.Value.(*pendingCtx)
		if ctx.deadline.After(now) {
			break
		}
		delete(e.store, ctx.challenge)
		expired = append(expired, ctx)
		// Modification is unsupported EXCEPT removing the current node.
		e.deadlines.Remove(node)
	}
	e.Unlock()

	value, count := types.Balance(0), 0
	for _, ctx := range expired {
		amount, err := e.ledger.ExpirePending(ctx.challenge)
		if err != nil {
			e.log.Warningf("expiry of pending ticket failed: %v", err)
			continue
		}
		value = value.SatAdd(amount)
		count++
	}
	if count > 0 {
		e.log.Noticef("neglected %d unacknowledged tickets worth %v", count, value)
	}
}
