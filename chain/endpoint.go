// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package chain abstracts the settlement layer the node runs against.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/kauki-labs/hoprnet/types"
)

// Currency selects a token for balance and withdraw operations.
type Currency uint8

const (
	// CurrencyHopr is the channel staking token.
	CurrencyHopr Currency = iota

	// CurrencyNative is the gas token.
	CurrencyNative
)

func (c Currency) String() string {
	switch c {
	case CurrencyHopr:
		return "Hopr"
	case CurrencyNative:
		return "Native"
	default:
		return fmt.Sprintf("Currency(%d)", uint8(c))
	}
}

// ParseCurrency parses a currency name.
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hopr":
		return CurrencyHopr, nil
	case "native":
		return CurrencyNative, nil
	default:
		return 0, fmt.Errorf("chain: unknown currency: '%v'", s)
	}
}

// AccountBalances is a node's view of its on-chain funds.  The node wallet
// holds the gas token; the safe holds the staking funds channels are
// funded from.
type AccountBalances struct {
	Native            types.Balance
	SafeNative        types.Balance
	SafeHopr          types.Balance
	SafeHoprAllowance types.Balance
}

// Endpoint is everything the node asks of the settlement layer.  Channel
// state read through it is eventually consistent: effects of submitted
// operations become visible only once the backing indexer catches up,
// except where a method documents immediate visibility.
type Endpoint interface {
	// OpenChannel opens (or reopens, bumping the epoch) the directed
	// channel from src to dst, staking amount from src's safe.  The new
	// channel entry is visible immediately.
	OpenChannel(ctx context.Context, src, dst types.Address, amount types.Balance) (types.ChannelID, error)

	// FundChannel stakes additional funds into an Open channel.  The
	// channel balance increase is visible immediately; the safe balance
	// decrease is not.
	FundChannel(ctx context.Context, id types.ChannelID, amount types.Balance) error

	// CloseChannel initiates or finalizes unilateral closure.  A
	// destination-side close is immediate.  A source-side close enters
	// PendingToClose and can only be finalized by a second close after
	// the closure grace period.  The reached status is returned.
	CloseChannel(ctx context.Context, id types.ChannelID, caller types.Address) (types.ChannelStatus, error)

	// GetChannel returns the current entry of a channel.
	GetChannel(ctx context.Context, id types.ChannelID) (types.ChannelEntry, error)

	// ListChannels returns the channels the address participates in.  The
	// zero address lists every channel.
	ListChannels(ctx context.Context, of types.Address) ([]types.ChannelEntry, error)

	// SubmitRedemption settles a winning ticket, moving its amount out of
	// the channel and crediting the redeemer's safe.
	SubmitRedemption(ctx context.Context, redeemer types.Address, t *types.Ticket, response [32]byte) error

	// Balances returns the account balances of an address.
	Balances(ctx context.Context, of types.Address) (AccountBalances, error)

	// Withdraw moves funds out of the node's account to the target
	// address's safe.
	Withdraw(ctx context.Context, from types.Address, currency Currency, amount types.Balance, to types.Address) error

	// TicketPrice returns the network's current ticket price.
	TicketPrice(ctx context.Context) (types.Balance, error)
}
