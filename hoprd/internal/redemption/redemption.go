// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package redemption settles acknowledged tickets against the settlement
// layer, moving value from the unredeemed counters to the redeemed ones.
// Losing tickets are discarded at this point; their value leaves the
// unredeemed totals without a matching redeemed increase, which is the
// accepted economics of probabilistic tickets rather than a fault.
package redemption

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/types"
)

// Outcome classifies the result of a redemption attempt.
type Outcome uint8

const (
	// Redeemed means at least one winning ticket settled.
	Redeemed Outcome = iota

	// NoWinningTickets means the batch held tickets but none of them won.
	// Not an error.
	NoWinningTickets

	// NothingToRedeem means no tickets were held for the channel epoch.
	NothingToRedeem
)

func (o Outcome) String() string {
	switch o {
	case Redeemed:
		return "Redeemed"
	case NoWinningTickets:
		return "NoWinningTickets"
	case NothingToRedeem:
		return "NothingToRedeem"
	default:
		return "unknown"
	}
}

// Result carries the settled value and ticket count of a redemption.
type Result struct {
	Outcome Outcome
	Value   types.Balance
	Count   int
}

// Config parameterizes the redemption engine.
type Config struct {
	// MaxInFlight bounds how many channels redeem concurrently during a
	// node-wide redemption.
	MaxInFlight int

	// RedeemOnClose redeems an incoming channel's tickets as soon as its
	// source starts closing it, racing the closure grace period.
	RedeemOnClose bool

	// Retry governs settlement submission retries on transient failures.
	Retry retry.PollConfig
}

// Engine submits winning tickets for settlement, channel by channel.
type Engine struct {
	worker.Worker

	ledger *tickets.Ledger
	leases *tickets.Leases
	mgr    *channels.Manager
	ep     chain.Endpoint
	log    *logging.Logger

	maxInFlight   int
	redeemOnClose bool
	retryCfg      retry.PollConfig
}

// New constructs a redemption Engine.
func New(ledger *tickets.Ledger, leases *tickets.Leases, mgr *channels.Manager, ep chain.Endpoint, cfg *Config, logBackend *log.Backend) *Engine {
	e := &Engine{
		ledger:        ledger,
		leases:        leases,
		mgr:           mgr,
		ep:            ep,
		log:           logBackend.GetLogger("redemption"),
		maxInFlight:   cfg.MaxInFlight,
		redeemOnClose: cfg.RedeemOnClose,
		retryCfg:      cfg.Retry,
	}
	if e.maxInFlight <= 0 {
		e.maxInFlight = 4
	}
	if e.retryCfg.MaxAttempts <= 0 {
		e.retryCfg = retry.DefaultPollConfig()
	}
	return e
}

// RedeemOnClose reports whether closing incoming channels trigger an
// automatic redemption race.
func (e *Engine) RedeemOnClose() bool {
	return e.redeemOnClose
}

// RedeemChannel settles one channel's acknowledged tickets for its
// current epoch.  Aggregation of the same channel is excluded for the
// duration; a concurrent attempt fails with ErrRedemptionInProgress and
// is safe to retry.
func (e *Engine) RedeemChannel(ctx context.Context, id types.ChannelID) (*Result, error) {
	entry, err := e.mgr.Lookup(id)
	if err != nil {
		return nil, err
	}
	if !entry.AcceptsRedemption() {
		return nil, types.ErrChannelNotOpen
	}

	if err = e.leases.Acquire(id, tickets.LeaseRedemption); err != nil {
		return nil, err
	}
	defer e.leases.Release(id)

	held, err := e.ledger.UnredeemedFor(id, entry.Epoch)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return &Result{Outcome: NothingToRedeem}, nil
	}

	var winners []tickets.Acknowledged
	res := &Result{Outcome: NoWinningTickets}
	for i := range held {
		if held[i].IsWinning() {
			winners = append(winners, held[i])
			continue
		}
		if err = e.ledger.Settle(&held[i], false); err != nil {
			return res, err
		}
	}
	if len(winners) == 0 {
		e.log.Noticef("channel %v: no winning tickets among %d", id, len(held))
		return res, nil
	}

	for i := range winners {
		w := &winners[i]
		err = retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
			return e.ep.SubmitRedemption(ctx, e.mgr.Self(), &w.Ticket, w.Response)
		})
		if err != nil {
			// Remaining winners stay unredeemed; a later attempt or the
			// stale ticket sweep picks them up.
			e.log.Warningf("channel %v: redemption aborted after %d of %d tickets: %v", id, i, len(winners), err)
			return res, err
		}
		if err = e.ledger.Settle(w, true); err != nil {
			return res, err
		}
		res.Outcome = Redeemed
		res.Value = res.Value.SatAdd(w.Ticket.Amount)
		res.Count++
	}

	if _, err = e.mgr.Refresh(ctx, id); err != nil {
		e.log.Debugf("channel %v: view refresh after redemption failed: %v", id, err)
	}
	instrument.TicketsRedeemed(res.Count, uint64(res.Value))
	e.log.Noticef("channel %v: redeemed %d tickets worth %v", id, res.Count, res.Value)
	return res, nil
}

// RedeemAll settles every incoming channel independently, bounded by
// MaxInFlight.  One channel's failure never blocks the others; the
// merged result and the joined errors are both returned.
func (e *Engine) RedeemAll(ctx context.Context) (*Result, error) {
	entries := e.mgr.Incoming()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	total := &Result{Outcome: NothingToRedeem}
	sem := make(chan struct{}, e.maxInFlight)

	for _, entry := range entries {
		if !entry.AcceptsRedemption() {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id types.ChannelID) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := e.RedeemChannel(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if res != nil {
				mergeResult(total, res)
			}
		}(entry.ID)
	}
	wg.Wait()

	return total, errors.Join(errs...)
}

// RedeemChannelAsync runs RedeemChannel on the engine's worker pool,
// used by the channel transition hook to race a pending closure.
func (e *Engine) RedeemChannelAsync(id types.ChannelID) {
	e.Go(func() {
		if _, err := e.RedeemChannel(context.Background(), id); err != nil {
			e.log.Warningf("channel %v: closure-triggered redemption failed: %v", id, err)
		}
	})
}

func mergeResult(total, res *Result) {
	total.Value = total.Value.SatAdd(res.Value)
	total.Count += res.Count
	switch {
	case res.Outcome == Redeemed:
		total.Outcome = Redeemed
	case res.Outcome == NoWinningTickets && total.Outcome != Redeemed:
		total.Outcome = NoWinningTickets
	}
}
