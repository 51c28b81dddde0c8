// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package rpcchain speaks the settlement interface over HTTP, for nodes
// that settle through an external gateway instead of the in-process
// simulator.  Requests and responses are JSON framed with ugorji/go,
// one POST endpoint per operation.
package rpcchain

import (
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/kauki-labs/hoprnet/types"
)

const rpcVersion = 0

var jsonHandle codec.JsonHandle

func init() {
	jsonHandle.Canonical = true
	jsonHandle.ErrorIfNoField = true
}

// wireErrors maps protocol error codes onto the sentinel errors callers
// match against.  Both halves share the table, so a sentinel raised behind
// the gateway comes out of the client as the same sentinel.
var wireErrors = []struct {
	code string
	err  error
}{
	{"settlement_unavailable", types.ErrSettlementUnavailable},
	{"channel_not_found", types.ErrChannelNotFound},
	{"channel_not_open", types.ErrChannelNotOpen},
	{"channel_already_open", types.ErrChannelAlreadyOpen},
	{"closure_time_not_elapsed", types.ErrClosureTimeNotElapsed},
	{"insufficient_funds", types.ErrInsufficientFunds},
	{"exceeds_channel_balance", types.ErrExceedsChannelBalance},
	{"stale_epoch", types.ErrStaleEpoch},
	{"duplicate_ticket_index", types.ErrDuplicateTicketIndex},
	{"invalid_acknowledgement", types.ErrInvalidAcknowledgement},
}

func errorToWire(err error) string {
	for _, v := range wireErrors {
		if err == v.err {
			return v.code
		}
	}
	return "internal: " + err.Error()
}

func errorFromWire(code string) error {
	if code == "" {
		return nil
	}
	for _, v := range wireErrors {
		if code == v.code {
			return v.err
		}
	}
	return fmt.Errorf("rpcchain: remote error: %v", code)
}

type wireTicket struct {
	ChannelID string
	Epoch     uint32
	Index     uint64
	IndexSpan uint32
	Amount    uint64
	WinProb   uint64
	Challenge []byte
	Signature []byte
}

func ticketToWire(t *types.Ticket) wireTicket {
	return wireTicket{
		ChannelID: t.ChannelID.String(),
		Epoch:     t.Epoch,
		Index:     t.Index,
		IndexSpan: t.IndexSpan,
		Amount:    uint64(t.Amount),
		WinProb:   uint64(t.WinProb),
		Challenge: append([]byte{}, t.Challenge[:]...),
		Signature: append([]byte{}, t.Signature...),
	}
}

func ticketFromWire(w *wireTicket) (*types.Ticket, error) {
	id, err := types.ParseChannelID(w.ChannelID)
	if err != nil {
		return nil, err
	}
	if len(w.Challenge) != 32 {
		return nil, fmt.Errorf("rpcchain: malformed ticket challenge")
	}
	t := &types.Ticket{
		ChannelID: id,
		Epoch:     w.Epoch,
		Index:     w.Index,
		IndexSpan: w.IndexSpan,
		Amount:    types.Balance(w.Amount),
		WinProb:   types.WinProb(w.WinProb),
		Signature: append([]byte{}, w.Signature...),
	}
	copy(t.Challenge[:], w.Challenge)
	return t, nil
}

type wireEntry struct {
	ID          string
	Source      string
	Destination string
	Balance     uint64
	TicketIndex uint64
	Epoch       uint32
	Status      uint8

	// ClosureTime is UNIX nanoseconds, 0 when no closure is pending.
	ClosureTime int64
}

func entryToWire(e *types.ChannelEntry) wireEntry {
	w := wireEntry{
		ID:          e.ID.String(),
		Source:      e.Source.String(),
		Destination: e.Destination.String(),
		Balance:     uint64(e.Balance),
		TicketIndex: e.TicketIndex,
		Epoch:       e.Epoch,
		Status:      uint8(e.Status),
	}
	if !e.ClosureTime.IsZero() {
		w.ClosureTime = e.ClosureTime.UnixNano()
	}
	return w
}

func entryFromWire(w *wireEntry) (types.ChannelEntry, error) {
	id, err := types.ParseChannelID(w.ID)
	if err != nil {
		return types.ChannelEntry{}, err
	}
	src, err := types.ParseAddress(w.Source)
	if err != nil {
		return types.ChannelEntry{}, err
	}
	dst, err := types.ParseAddress(w.Destination)
	if err != nil {
		return types.ChannelEntry{}, err
	}
	e := types.ChannelEntry{
		ID:          id,
		Source:      src,
		Destination: dst,
		Balance:     types.Balance(w.Balance),
		TicketIndex: w.TicketIndex,
		Epoch:       w.Epoch,
		Status:      types.ChannelStatus(w.Status),
	}
	if w.ClosureTime != 0 {
		e.ClosureTime = time.Unix(0, w.ClosureTime)
	}
	return e, nil
}

type openChannelRequest struct {
	Version     int
	Source      string
	Destination string
	Amount      uint64
}

type openChannelResponse struct {
	Version   int
	Error     string
	ChannelID string
}

type fundChannelRequest struct {
	Version   int
	ChannelID string
	Amount    uint64
}

type closeChannelRequest struct {
	Version   int
	ChannelID string
	Caller    string
}

type closeChannelResponse struct {
	Version int
	Error   string
	Status  uint8
}

type getChannelRequest struct {
	Version   int
	ChannelID string
}

type getChannelResponse struct {
	Version int
	Error   string
	Entry   wireEntry
}

type listChannelsRequest struct {
	Version int
	Of      string
}

type listChannelsResponse struct {
	Version int
	Error   string
	Entries []wireEntry
}

type submitRedemptionRequest struct {
	Version  int
	Redeemer string
	Ticket   wireTicket
	Response []byte
}

type balancesRequest struct {
	Version int
	Of      string
}

type balancesResponse struct {
	Version           int
	Error             string
	Native            uint64
	SafeNative        uint64
	SafeHopr          uint64
	SafeHoprAllowance uint64
}

type withdrawRequest struct {
	Version  int
	From     string
	Currency string
	Amount   uint64
	To       string
}

type ticketPriceRequest struct {
	Version int
}

type ticketPriceResponse struct {
	Version int
	Error   string
	Price   uint64
}

// statusResponse is the reply of operations that return no payload.
type statusResponse struct {
	Version int
	Error   string
}
