// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package aggregator merges many small unredeemed tickets from one
// channel epoch into a single ticket of the same total value and the
// same expected payout, cutting the number of settlement submissions.
package aggregator

import (
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/types"
)

// Outcome is the result of an aggregation attempt.
type Outcome uint8

const (
	// Aggregated means a replacement ticket was stored.
	Aggregated Outcome = iota

	// NothingToAggregate means fewer than two tickets were held.  Not an
	// error; aggregation is idempotent.
	NothingToAggregate
)

func (o Outcome) String() string {
	switch o {
	case Aggregated:
		return "Aggregated"
	case NothingToAggregate:
		return "NothingToAggregate"
	default:
		return "unknown"
	}
}

// Config parameterizes the aggregator.
type Config struct {
	// Threshold is the per-channel unredeemed ticket count that triggers
	// automatic aggregation.  Zero disables the trigger.
	Threshold uint64

	// CheckInterval is the scan period of the automatic trigger.
	CheckInterval time.Duration
}

// Aggregator drives ticket aggregation, on demand and by threshold.
type Aggregator struct {
	worker.Worker

	ledger *tickets.Ledger
	leases *tickets.Leases
	mgr    *channels.Manager
	log    *logging.Logger

	threshold uint64
	interval  time.Duration
}

// New constructs an Aggregator and, when a threshold is configured,
// starts the automatic trigger.
func New(ledger *tickets.Ledger, leases *tickets.Leases, mgr *channels.Manager, cfg *Config, logBackend *log.Backend) *Aggregator {
	a := &Aggregator{
		ledger:    ledger,
		leases:    leases,
		mgr:       mgr,
		log:       logBackend.GetLogger("aggregator"),
		threshold: cfg.Threshold,
		interval:  cfg.CheckInterval,
	}
	if a.interval <= 0 {
		a.interval = time.Second
	}
	if a.threshold > 0 {
		a.Go(a.scanWorker)
	}
	return a
}

// Aggregate merges the channel's unredeemed tickets for its current
// epoch.  The unredeemed value is unchanged by construction; only the
// ticket count drops.  Redemption of the same channel is excluded for
// the duration.
func (a *Aggregator) Aggregate(id types.ChannelID) (Outcome, error) {
	entry, err := a.mgr.Lookup(id)
	if err != nil {
		return NothingToAggregate, err
	}

	if err = a.leases.Acquire(id, tickets.LeaseAggregation); err != nil {
		return NothingToAggregate, err
	}
	defer a.leases.Release(id)

	held, err := a.ledger.UnredeemedFor(id, entry.Epoch)
	if err != nil {
		return NothingToAggregate, err
	}
	if len(held) < 2 {
		return NothingToAggregate, nil
	}

	agg, err := combine(held)
	if err != nil {
		return NothingToAggregate, err
	}
	if err = a.ledger.ReplaceWithAggregate(agg, held); err != nil {
		return NothingToAggregate, err
	}

	instrument.TicketsAggregated(len(held))
	a.log.Noticef("channel %v: aggregated %d tickets into one (%v, p=%v)", id, len(held), agg.Ticket.Amount, agg.Ticket.WinProb)
	return Aggregated, nil
}

// combine builds the replacement ticket.  The amount is the sum of the
// constituents and the winning probability is scaled so the expected
// value is preserved: p_agg * amount_agg = sum(p_i * amount_i), rounded
// down to the representable threshold.
func combine(held []tickets.Acknowledged) (*tickets.Acknowledged, error) {
	sort.Slice(held, func(i, j int) bool {
		return held[i].Ticket.Index < held[j].Ticket.Index
	})

	var (
		amount types.Balance
		ev     types.Balance
		err    error
	)
	first := held[0].Ticket.Index
	last := first
	sigHash, _ := blake2b.New256(nil)
	respHash, _ := blake2b.New256(nil)
	for i := range held {
		t := &held[i].Ticket
		if amount, err = amount.Add(t.Amount); err != nil {
			return nil, err
		}
		if ev, err = ev.Add(t.EV()); err != nil {
			return nil, err
		}
		span := uint64(t.IndexSpan)
		if span == 0 {
			span = 1
		}
		if end := t.Index + span; end > last {
			last = end
		}
		sigHash.Write(t.Signature)
		respHash.Write(held[i].Response[:])
	}

	var response [32]byte
	respHash.Sum(response[:0])

	agg := &tickets.Acknowledged{
		Ticket: types.Ticket{
			ChannelID: held[0].Ticket.ChannelID,
			Epoch:     held[0].Ticket.Epoch,
			Index:     first,
			IndexSpan: uint32(last - first),
			Amount:    amount,
			WinProb:   scaleWinProb(ev, amount),
			Challenge: blake2b.Sum256(response[:]),
			Signature: sigHash.Sum(nil),
		},
		Response: response,
	}
	return agg, nil
}

// scaleWinProb returns the largest threshold whose expected value at the
// given amount does not exceed ev.
func scaleWinProb(ev, amount types.Balance) types.WinProb {
	if ev >= amount {
		return types.WinProbAlways
	}
	// threshold + 1 = floor(ev * 2^64 / amount)
	n := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(ev)), 64)
	q := n.Quo(n, new(big.Int).SetUint64(uint64(amount)))
	if !q.IsUint64() {
		return types.WinProbAlways
	}
	t := q.Uint64()
	if t == 0 {
		return 0
	}
	return types.WinProb(t - 1)
}

func (a *Aggregator) scanWorker() {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-a.HaltCh():
			return
		case <-t.C:
		}

		for _, entry := range a.mgr.Incoming() {
			held, err := a.ledger.UnredeemedFor(entry.ID, entry.Epoch)
			if err != nil {
				a.log.Warningf("channel %v: scan failed: %v", entry.ID, err)
				continue
			}
			if uint64(len(held)) < a.threshold {
				continue
			}
			if _, err = a.Aggregate(entry.ID); err != nil {
				a.log.Debugf("channel %v: deferred aggregation: %v", entry.ID, err)
			}
		}
	}
}
