// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"context"

	"github.com/katzenpost/hpqc/sign"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/hoprd/config"
	"github.com/kauki-labs/hoprnet/hoprd/internal/aggregator"
	"github.com/kauki-labs/hoprnet/hoprd/internal/inbox"
	"github.com/kauki-labs/hoprnet/hoprd/internal/redemption"
	"github.com/kauki-labs/hoprnet/mgmt"
	"github.com/kauki-labs/hoprnet/types"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	IdentityKey() sign.PrivateKey
	IdentityPublicKey() sign.PublicKey
	Address() types.Address

	Management() *mgmt.Server
	Settlement() chain.Endpoint
	Channels() Channels
	Ledger() Ledger
	Issuer() Issuer
	Validator() Validator
	Aggregator() Aggregator
	Redemption() Redemption
	Relay() Relay
	Inbox() Inbox
}

type Channels interface {
	Halt()
	Open(context.Context, types.Address, types.Balance) (types.ChannelID, error)
	Fund(context.Context, types.ChannelID, types.Balance) error
	Close(context.Context, types.ChannelID) (types.ChannelStatus, error)
	Lookup(types.ChannelID) (types.ChannelEntry, error)
	All() []types.ChannelEntry
	Refresh(context.Context, types.ChannelID) (types.ChannelEntry, error)
}

type Ledger interface {
	Close()
	Stats() (types.TicketStatistics, error)
	StatsFor(types.ChannelID) (types.TicketStatistics, error)
	TicketsFor(types.ChannelID) ([]types.Ticket, error)
}

type Issuer interface {
	Halt()
	Price() types.Balance
	RefreshPrice(context.Context) error
	WinProb() types.WinProb
}

type Validator interface {
	RejectionRate(types.ChannelID) float64
}

type Aggregator interface {
	Halt()
	Aggregate(types.ChannelID) (aggregator.Outcome, error)
}

type Redemption interface {
	Halt()
	RedeemOnClose() bool
	RedeemChannel(context.Context, types.ChannelID) (*redemption.Result, error)
	RedeemChannelAsync(types.ChannelID)
	RedeemAll(context.Context) (*redemption.Result, error)
}

type Relay interface {
	SendMessage(context.Context, []types.Address, types.Tag, []byte) error
}

type Inbox interface {
	Close()
	Push(types.Tag, []byte) error
	Pop(types.Tag) (*inbox.Message, error)
	Peek(types.Tag) (*inbox.Message, error)
	Size(types.Tag) (int, error)
}
