// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package simchain is an in-process settlement layer with a simulated
// indexing lag.  It backs the daemon's default configuration and the test
// suites; anything observable through it behaves the way a real settlement
// backend would, including the delayed visibility of safe balance changes.
package simchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/types"
)

const indexerTick = 5 * time.Millisecond

// Config parameterizes the simulated settlement layer.
type Config struct {
	// TicketPrice is the network ticket price.
	TicketPrice types.Balance

	// GasFee is charged in the native token per submitted operation.
	GasFee types.Balance

	// ClosureGracePeriod is the delay between an outgoing closure
	// initiation and the earliest finalization.
	ClosureGracePeriod time.Duration

	// IndexingLag delays the visibility of safe balance effects.  Zero
	// applies effects inline.
	IndexingLag time.Duration
}

type account struct {
	native            types.Balance
	safeNative        types.Balance
	safeHopr          types.Balance
	safeHoprAllowance types.Balance
}

type effect struct {
	due   time.Time
	apply func()
}

var _ chain.Endpoint = (*Chain)(nil)

// Chain implements chain.Endpoint in-process.
type Chain struct {
	worker.Worker
	sync.Mutex

	cfg Config
	log *logging.Logger

	accounts map[types.Address]*account
	channels map[types.ChannelID]*types.ChannelEntry
	pending  []effect

	available bool
}

// New constructs a simulated settlement layer and starts its indexer.
func New(cfg Config, logBackend *log.Backend) *Chain {
	c := &Chain{
		cfg:       cfg,
		log:       logBackend.GetLogger("simchain"),
		accounts:  make(map[types.Address]*account),
		channels:  make(map[types.ChannelID]*types.ChannelEntry),
		available: true,
	}
	if cfg.IndexingLag > 0 {
		c.Go(c.indexerWorker)
	}
	return c
}

// Register creates an account with the given genesis balances.
func (c *Chain) Register(addr types.Address, balances chain.AccountBalances) {
	c.Lock()
	defer c.Unlock()
	c.accounts[addr] = &account{
		native:            balances.Native,
		safeNative:        balances.SafeNative,
		safeHopr:          balances.SafeHopr,
		safeHoprAllowance: balances.SafeHoprAllowance,
	}
	c.log.Debugf("registered account %v", addr)
}

// SetAvailable toggles simulated settlement layer outages.
func (c *Chain) SetAvailable(up bool) {
	c.Lock()
	defer c.Unlock()
	c.available = up
}

// SetTicketPrice adjusts the network ticket price.
func (c *Chain) SetTicketPrice(p types.Balance) {
	c.Lock()
	defer c.Unlock()
	c.cfg.TicketPrice = p
}

func (c *Chain) indexerWorker() {
	t := time.NewTicker(indexerTick)
	defer t.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-t.C:
			c.applyDue(time.Now())
		}
	}
}

func (c *Chain) applyDue(now time.Time) {
	c.Lock()
	defer c.Unlock()

	remaining := c.pending[:0]
	for _, e := range c.pending {
		if e.due.After(now) {
			remaining = append(remaining, e)
			continue
		}
		e.apply()
	}
	c.pending = remaining
}

// defer an effect until the indexing lag has elapsed.  Callers hold the
// lock; the effect runs under it too.
func (c *Chain) index(apply func()) {
	if c.cfg.IndexingLag <= 0 {
		apply()
		return
	}
	c.pending = append(c.pending, effect{due: time.Now().Add(c.cfg.IndexingLag), apply: apply})
}

func (c *Chain) chargeGas(acc *account) {
	acc.native = acc.native.SatSub(c.cfg.GasFee)
}

// OpenChannel implements chain.Endpoint.
func (c *Chain) OpenChannel(_ context.Context, src, dst types.Address, amount types.Balance) (types.ChannelID, error) {
	c.Lock()
	defer c.Unlock()

	id := types.NewChannelID(src, dst)
	if !c.available {
		return id, types.ErrSettlementUnavailable
	}
	acc, ok := c.accounts[src]
	if !ok {
		return id, fmt.Errorf("simchain: unknown account: %v", src)
	}
	if amount == 0 || acc.safeHopr < amount || acc.safeHoprAllowance < amount {
		return id, types.ErrInsufficientFunds
	}
	if entry, ok := c.channels[id]; ok && entry.Status != types.ChannelClosed {
		return id, types.ErrChannelAlreadyOpen
	}

	epoch := uint32(1)
	if prev, ok := c.channels[id]; ok {
		epoch = prev.Epoch + 1
	}
	c.channels[id] = &types.ChannelEntry{
		ID:          id,
		Source:      src,
		Destination: dst,
		Balance:     amount,
		Epoch:       epoch,
		Status:      types.ChannelOpen,
	}
	c.chargeGas(acc)
	c.index(func() {
		acc.safeHopr = acc.safeHopr.SatSub(amount)
		acc.safeHoprAllowance = acc.safeHoprAllowance.SatSub(amount)
	})

	c.log.Noticef("channel %v opened: %v -> %v, %v, epoch %d", id, src, dst, amount, epoch)
	return id, nil
}

// FundChannel implements chain.Endpoint.
func (c *Chain) FundChannel(_ context.Context, id types.ChannelID, amount types.Balance) error {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return types.ErrSettlementUnavailable
	}
	entry, ok := c.channels[id]
	if !ok {
		return types.ErrChannelNotFound
	}
	if entry.Status != types.ChannelOpen {
		return types.ErrChannelNotOpen
	}
	acc, ok := c.accounts[entry.Source]
	if !ok {
		return fmt.Errorf("simchain: unknown account: %v", entry.Source)
	}
	if amount == 0 || acc.safeHopr < amount || acc.safeHoprAllowance < amount {
		return types.ErrInsufficientFunds
	}

	newBalance, err := entry.Balance.Add(amount)
	if err != nil {
		return err
	}
	entry.Balance = newBalance
	c.chargeGas(acc)
	c.index(func() {
		acc.safeHopr = acc.safeHopr.SatSub(amount)
		acc.safeHoprAllowance = acc.safeHoprAllowance.SatSub(amount)
	})

	c.log.Noticef("channel %v funded with %v, balance now %v", id, amount, entry.Balance)
	return nil
}

// CloseChannel implements chain.Endpoint.
func (c *Chain) CloseChannel(_ context.Context, id types.ChannelID, caller types.Address) (types.ChannelStatus, error) {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return types.ChannelClosed, types.ErrSettlementUnavailable
	}
	entry, ok := c.channels[id]
	if !ok {
		return types.ChannelClosed, types.ErrChannelNotFound
	}

	switch caller {
	case entry.Destination:
		// Incoming closure takes effect immediately regardless of any
		// pending outgoing closure.
		if entry.Status == types.ChannelClosed {
			return types.ChannelClosed, types.ErrChannelNotOpen
		}
		c.finalizeClose(entry, caller)
		c.log.Noticef("channel %v closed by destination", id)
		return types.ChannelClosed, nil

	case entry.Source:
		switch entry.Status {
		case types.ChannelOpen:
			entry.Status = types.ChannelPendingToClose
			entry.ClosureTime = time.Now().Add(c.cfg.ClosureGracePeriod)
			if acc, ok := c.accounts[caller]; ok {
				c.chargeGas(acc)
			}
			c.log.Noticef("channel %v closure initiated, finalizable at %v", id, entry.ClosureTime.Format(time.RFC3339))
			return types.ChannelPendingToClose, nil
		case types.ChannelPendingToClose:
			if time.Now().Before(entry.ClosureTime) {
				return types.ChannelPendingToClose, types.ErrClosureTimeNotElapsed
			}
			c.finalizeClose(entry, caller)
			c.log.Noticef("channel %v closure finalized", id)
			return types.ChannelClosed, nil
		default:
			return types.ChannelClosed, types.ErrChannelNotOpen
		}

	default:
		return types.ChannelClosed, fmt.Errorf("simchain: %v is not a participant of %v", caller, id)
	}
}

// finalizeClose moves the channel to Closed, charging gas to the caller
// and returning the residual stake to the source's safe once indexed.
// Callers hold the lock.
func (c *Chain) finalizeClose(entry *types.ChannelEntry, caller types.Address) {
	residual := entry.Balance
	entry.Balance = 0
	entry.Status = types.ChannelClosed
	entry.ClosureTime = time.Time{}

	if acc, ok := c.accounts[caller]; ok {
		c.chargeGas(acc)
	}
	src, ok := c.accounts[entry.Source]
	if ok && residual > 0 {
		c.index(func() {
			src.safeHopr, _ = src.safeHopr.Add(residual)
			src.safeHoprAllowance, _ = src.safeHoprAllowance.Add(residual)
		})
	}
}

// GetChannel implements chain.Endpoint.
func (c *Chain) GetChannel(_ context.Context, id types.ChannelID) (types.ChannelEntry, error) {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return types.ChannelEntry{}, types.ErrSettlementUnavailable
	}
	entry, ok := c.channels[id]
	if !ok {
		return types.ChannelEntry{}, types.ErrChannelNotFound
	}
	return *entry, nil
}

// ListChannels implements chain.Endpoint.
func (c *Chain) ListChannels(_ context.Context, of types.Address) ([]types.ChannelEntry, error) {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return nil, types.ErrSettlementUnavailable
	}
	var out []types.ChannelEntry
	for _, entry := range c.channels {
		if of.IsZero() || entry.Source == of || entry.Destination == of {
			out = append(out, *entry)
		}
	}
	return out, nil
}

// SubmitRedemption implements chain.Endpoint.
func (c *Chain) SubmitRedemption(_ context.Context, redeemer types.Address, t *types.Ticket, response [32]byte) error {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return types.ErrSettlementUnavailable
	}
	entry, ok := c.channels[t.ChannelID]
	if !ok {
		return types.ErrChannelNotFound
	}
	if !entry.AcceptsRedemption() {
		return types.ErrChannelNotOpen
	}
	if redeemer != entry.Destination {
		return fmt.Errorf("simchain: %v is not the destination of %v", redeemer, t.ChannelID)
	}
	if t.Epoch != entry.Epoch {
		return types.ErrStaleEpoch
	}
	ack := types.Acknowledgement{Response: response}
	if !ack.ResolvesChallenge(t.Challenge) {
		return types.ErrInvalidAcknowledgement
	}
	if t.Index < entry.TicketIndex {
		return types.ErrDuplicateTicketIndex
	}
	if t.Amount > entry.Balance {
		return types.ErrExceedsChannelBalance
	}

	entry.Balance -= t.Amount
	entry.TicketIndex = t.Index + uint64(t.IndexSpan)

	acc, ok := c.accounts[redeemer]
	if ok {
		c.chargeGas(acc)
		amount := t.Amount
		c.index(func() {
			acc.safeHopr, _ = acc.safeHopr.Add(amount)
		})
	}

	c.log.Noticef("channel %v: redeemed %v at index %d (span %d)", t.ChannelID, t.Amount, t.Index, t.IndexSpan)
	return nil
}

// Balances implements chain.Endpoint.
func (c *Chain) Balances(_ context.Context, of types.Address) (chain.AccountBalances, error) {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return chain.AccountBalances{}, types.ErrSettlementUnavailable
	}
	acc, ok := c.accounts[of]
	if !ok {
		return chain.AccountBalances{}, fmt.Errorf("simchain: unknown account: %v", of)
	}
	return chain.AccountBalances{
		Native:            acc.native,
		SafeNative:        acc.safeNative,
		SafeHopr:          acc.safeHopr,
		SafeHoprAllowance: acc.safeHoprAllowance,
	}, nil
}

// Withdraw implements chain.Endpoint.
func (c *Chain) Withdraw(_ context.Context, from types.Address, currency chain.Currency, amount types.Balance, to types.Address) error {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return types.ErrSettlementUnavailable
	}
	src, ok := c.accounts[from]
	if !ok {
		return fmt.Errorf("simchain: unknown account: %v", from)
	}
	dst, ok := c.accounts[to]
	if !ok {
		return fmt.Errorf("simchain: unknown account: %v", to)
	}

	switch currency {
	case chain.CurrencyNative:
		if src.native < amount {
			return types.ErrInsufficientFunds
		}
		src.native -= amount
		c.chargeGas(src)
		c.index(func() {
			dst.safeNative, _ = dst.safeNative.Add(amount)
		})
	case chain.CurrencyHopr:
		if src.safeHopr < amount {
			return types.ErrInsufficientFunds
		}
		src.safeHopr -= amount
		c.chargeGas(src)
		c.index(func() {
			dst.safeHopr, _ = dst.safeHopr.Add(amount)
		})
	default:
		return fmt.Errorf("simchain: unknown currency: %v", currency)
	}

	c.log.Noticef("withdrew %d %v from %v to %v", amount, currency, from, to)
	return nil
}

// TicketPrice implements chain.Endpoint.
func (c *Chain) TicketPrice(_ context.Context) (types.Balance, error) {
	c.Lock()
	defer c.Unlock()

	if !c.available {
		return 0, types.ErrSettlementUnavailable
	}
	return c.cfg.TicketPrice, nil
}
