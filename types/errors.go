// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

import "errors"

var (
	// ErrChannelNotFound is returned when a channel id does not resolve to
	// any known channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelNotOpen is returned when an operation requires an Open
	// channel and the channel is in some other state.
	ErrChannelNotOpen = errors.New("channel is not open")

	// ErrChannelAlreadyOpen is returned when opening a channel that is
	// already Open.
	ErrChannelAlreadyOpen = errors.New("channel is already open")

	// ErrClosureTimeNotElapsed is returned when finalizing an outgoing
	// channel closure before the grace period has elapsed.
	ErrClosureTimeNotElapsed = errors.New("channel closure grace period has not elapsed")

	// ErrInsufficientFunds is returned when the safe balance cannot cover
	// a stake, fund or withdraw operation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrExceedsChannelBalance is returned when a ticket's amount cannot
	// be covered by the channel it spends against.
	ErrExceedsChannelBalance = errors.New("ticket amount exceeds channel balance")

	// ErrPayloadTooLarge is returned when a message payload exceeds the
	// transport's maximum payload size.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrEmptyRoute is returned when originating a message along a route
	// with no hops.
	ErrEmptyRoute = errors.New("route has no hops")

	// ErrReservedTag is returned when an application tag within the
	// reserved range is used on an external surface.
	ErrReservedTag = errors.New("application tag is in the reserved range")

	// ErrInvalidSignature is returned when a ticket signature does not
	// verify against the issuer's public key.
	ErrInvalidSignature = errors.New("invalid ticket signature")

	// ErrInvalidAcknowledgement is returned when an acknowledgement's
	// response does not resolve the committed challenge.
	ErrInvalidAcknowledgement = errors.New("acknowledgement does not resolve the challenge")

	// ErrStaleEpoch is returned when a ticket references a channel epoch
	// older than the current one.
	ErrStaleEpoch = errors.New("ticket epoch is stale")

	// ErrDuplicateTicketIndex is returned when a ticket reuses an index
	// already seen for its channel and epoch.
	ErrDuplicateTicketIndex = errors.New("duplicate ticket index")

	// ErrWinProbTooLow is returned when an incoming ticket's winning
	// probability is below the configured acceptance minimum.
	ErrWinProbTooLow = errors.New("ticket winning probability below acceptable minimum")

	// ErrRedemptionInProgress is returned when a redemption or aggregation
	// is requested on a channel that is already being redeemed.
	ErrRedemptionInProgress = errors.New("redemption already in progress for channel")

	// ErrAggregationInProgress is returned when a redemption or
	// aggregation is requested on a channel that is already being
	// aggregated.
	ErrAggregationInProgress = errors.New("aggregation already in progress for channel")

	// ErrSettlementUnavailable is returned when the settlement layer
	// cannot be reached.  It is transient.
	ErrSettlementUnavailable = errors.New("settlement layer temporarily unavailable")

	// ErrTicketPriceUnavailable is returned when issuing before a ticket
	// price has been configured or fetched.
	ErrTicketPriceUnavailable = errors.New("ticket price not available")

	// ErrBalanceOverflow is returned by checked balance arithmetic on
	// overflow.
	ErrBalanceOverflow = errors.New("balance arithmetic overflow")

	// ErrBalanceUnderflow is returned by checked balance arithmetic on
	// underflow.
	ErrBalanceUnderflow = errors.New("balance arithmetic underflow")
)
