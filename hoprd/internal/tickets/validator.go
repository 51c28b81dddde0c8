// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"errors"
	"sync"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/types"
)

// Validator vets tickets earned on the node's incoming channels.  A
// rejected ticket is recorded in the rejection counters and never enters
// the pending or unredeemed state; the packet it paid for is forwarded
// regardless, payment and delivery are deliberately decoupled.
type Validator struct {
	sync.Mutex

	ledger *Ledger
	mgr    *channels.Manager
	log    *logging.Logger

	minWinProb types.WinProb
	counters   map[types.ChannelID]*validationCounters
}

type validationCounters struct {
	accepted uint64
	rejected uint64
}

// NewValidator constructs a Validator.  Tickets below minWinProb are
// rejected as underpriced.
func NewValidator(ledger *Ledger, mgr *channels.Manager, minWinProb types.WinProb, logBackend *log.Backend) *Validator {
	return &Validator{
		ledger:     ledger,
		mgr:        mgr,
		log:        logBackend.GetLogger("tickets/validator"),
		minWinProb: minWinProb,
		counters:   make(map[types.ChannelID]*validationCounters),
	}
}

// Validate checks a ticket received from the peer holding issuer's key
// and, when it passes, records it as pending acknowledgement.  The
// returned error is the rejection reason, already accounted for in the
// rejection counters.
func (v *Validator) Validate(t *types.Ticket, issuer sign.PublicKey) error {
	src := types.AddressFromPublicKey(issuer)
	entry, err := v.mgr.ByPair(src, v.mgr.Self())
	if err != nil {
		return v.reject(t, err)
	}
	if t.ChannelID != entry.ID {
		return v.reject(t, types.ErrChannelNotFound)
	}
	if entry.Status != types.ChannelOpen {
		return v.reject(t, types.ErrChannelNotOpen)
	}
	if t.Epoch != entry.Epoch {
		return v.reject(t, types.ErrStaleEpoch)
	}
	if t.WinProb < v.minWinProb {
		return v.reject(t, types.ErrWinProbTooLow)
	}
	if err = t.Verify(issuer); err != nil {
		return v.reject(t, err)
	}

	// The index floor and the cumulative claim check are atomic with the
	// store, inside the ledger.
	if err = v.ledger.Accept(t, entry.Balance, entry.TicketIndex); err != nil {
		return v.reject(t, err)
	}

	v.Lock()
	v.countersFor(entry.ID).accepted++
	v.Unlock()
	instrument.TicketsAccepted()
	return nil
}

func (v *Validator) reject(t *types.Ticket, reason error) error {
	if err := v.ledger.RecordRejected(t); err != nil {
		v.log.Warningf("failed to record rejection for channel %v: %v", t.ChannelID, err)
	}
	v.Lock()
	v.countersFor(t.ChannelID).rejected++
	v.Unlock()
	instrument.TicketsRejected(rejectReason(reason))
	v.log.Warningf("channel %v: rejected ticket (index %d, %v): %v", t.ChannelID, t.Index, t.Amount, reason)
	return reason
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrChannelNotFound):
		return "no_channel"
	case errors.Is(err, types.ErrChannelNotOpen):
		return "channel_not_open"
	case errors.Is(err, types.ErrStaleEpoch):
		return "stale_epoch"
	case errors.Is(err, types.ErrWinProbTooLow):
		return "win_prob_too_low"
	case errors.Is(err, types.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, types.ErrDuplicateTicketIndex):
		return "duplicate_index"
	case errors.Is(err, types.ErrExceedsChannelBalance):
		return "exceeds_balance"
	default:
		return "other"
	}
}

func (v *Validator) countersFor(id types.ChannelID) *validationCounters {
	c := v.counters[id]
	if c == nil {
		c = &validationCounters{}
		v.counters[id] = c
	}
	return c
}

// RejectionRate returns the fraction of this channel's tickets rejected
// since startup.  Forwarding policy may refuse further relaying for peers
// whose rate climbs too high.
func (v *Validator) RejectionRate(id types.ChannelID) float64 {
	v.Lock()
	defer v.Unlock()
	c := v.counters[id]
	if c == nil || c.accepted+c.rejected == 0 {
		return 0
	}
	return float64(c.rejected) / float64(c.accepted+c.rejected)
}
