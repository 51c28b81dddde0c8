// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"context"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/types"
)

// IssuerConfig parameterizes ticket issuance.
type IssuerConfig struct {
	// WinProb is the winning probability of issued tickets.
	WinProb types.WinProb

	// PriceRefreshInterval bounds how stale the cached ticket price from
	// the settlement layer may grow.  Zero disables refreshing.
	PriceRefreshInterval time.Duration
}

// Issuer creates signed tickets against the node's outgoing channels.
// Ticket indices are reserved through the ledger so they survive restarts
// and never repeat within a channel epoch.
type Issuer struct {
	worker.Worker
	sync.RWMutex

	ledger *Ledger
	mgr    *channels.Manager
	ep     chain.Endpoint
	log    *logging.Logger

	scheme sign.Scheme
	key    sign.PrivateKey

	winProb types.WinProb
	price   types.Balance
	refresh time.Duration
}

// NewIssuer constructs an Issuer, fetching the initial ticket price from
// the settlement layer.
func NewIssuer(ledger *Ledger, mgr *channels.Manager, ep chain.Endpoint, scheme sign.Scheme, key sign.PrivateKey, cfg *IssuerConfig, logBackend *log.Backend) (*Issuer, error) {
	iss := &Issuer{
		ledger:  ledger,
		mgr:     mgr,
		ep:      ep,
		log:     logBackend.GetLogger("tickets/issuer"),
		scheme:  scheme,
		key:     key,
		winProb: cfg.WinProb,
		refresh: cfg.PriceRefreshInterval,
	}
	if iss.winProb == 0 {
		iss.winProb = types.WinProbAlways
	}

	err := retry.Do(context.Background(), retry.DefaultPollConfig(), iss.RefreshPrice)
	if err != nil {
		return nil, err
	}
	iss.log.Debugf("ticket price: %v", iss.Price())

	if iss.refresh > 0 {
		iss.Go(iss.refreshWorker)
	}
	return iss, nil
}

// Price returns the cached per-hop ticket price.
func (iss *Issuer) Price() types.Balance {
	iss.RLock()
	defer iss.RUnlock()
	return iss.price
}

// RefreshPrice re-fetches the ticket price from the settlement layer.
// The cached price only ever changes through this call, at construction,
// on the configured refresh interval, or on demand.
func (iss *Issuer) RefreshPrice(ctx context.Context) error {
	price, err := iss.ep.TicketPrice(ctx)
	if err != nil {
		return err
	}

	iss.Lock()
	defer iss.Unlock()
	if price != iss.price {
		iss.log.Noticef("ticket price: %v -> %v", iss.price, price)
		iss.price = price
	}
	return nil
}

// WinProb returns the winning probability tickets are issued at.
func (iss *Issuer) WinProb() types.WinProb {
	return iss.winProb
}

// AmountFor returns the nominal amount of a ticket covering the given
// number of downstream relays, normalized by the winning probability so
// the expected value equals relays times the ticket price.
func (iss *Issuer) AmountFor(relays int) (types.Balance, error) {
	price := iss.Price()
	if price == 0 && relays > 0 {
		return 0, types.ErrTicketPriceUnavailable
	}
	ev, err := price.Mul(uint64(relays))
	if err != nil {
		return 0, err
	}
	return iss.winProb.AmountForValue(ev)
}

// Issue creates and signs a ticket of the given amount on the channel to
// dst.  The challenge commits to the acknowledgement secret the next hop
// must reveal for the ticket to become claimable.
func (iss *Issuer) Issue(dst types.Address, amount types.Balance, challenge [32]byte) (*types.Ticket, error) {
	entry, err := iss.mgr.ByPair(iss.mgr.Self(), dst)
	if err != nil {
		return nil, err
	}
	if entry.Status != types.ChannelOpen {
		return nil, types.ErrChannelNotOpen
	}
	if amount > entry.Balance {
		return nil, types.ErrExceedsChannelBalance
	}

	index, err := iss.ledger.NextIndex(entry.ID, entry.Epoch)
	if err != nil {
		return nil, err
	}

	t := &types.Ticket{
		ChannelID: entry.ID,
		Epoch:     entry.Epoch,
		Index:     index,
		IndexSpan: 1,
		Amount:    amount,
		WinProb:   iss.winProb,
		Challenge: challenge,
	}
	t.Sign(iss.scheme, iss.key)
	instrument.TicketsIssued()
	return t, nil
}

func (iss *Issuer) refreshWorker() {
	t := time.NewTicker(iss.refresh)
	defer t.Stop()
	for {
		select {
		case <-iss.HaltCh():
			return
		case <-t.C:
		}

		if err := iss.RefreshPrice(context.Background()); err != nil {
			iss.log.Warningf("failed to refresh ticket price: %v", err)
		}
	}
}
