// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ChannelIDSize is the size of a channel id in bytes.
const ChannelIDSize = 32

// ChannelID identifies a directed payment channel.  It is derived from the
// source and destination addresses and is stable across epochs of the same
// pair.
type ChannelID [ChannelIDSize]byte

// NewChannelID derives the channel id of the directed pair (src, dst).
func NewChannelID(src, dst Address) ChannelID {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("types: blake2b.New256: " + err.Error())
	}
	h.Write(src[:])
	h.Write(dst[:])

	var id ChannelID
	copy(id[:], h.Sum(nil))
	return id
}

// ParseChannelID parses a 0x-prefixed hex channel id.
func ParseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	raw := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(raw) != ChannelIDSize*2 {
		return id, fmt.Errorf("types: malformed channel id: '%v'", s)
	}
	if _, err := hex.Decode(id[:], []byte(raw)); err != nil {
		return id, fmt.Errorf("types: malformed channel id: %v", err)
	}
	return id, nil
}

func (id ChannelID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ChannelID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ChannelID) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ChannelStatus is the lifecycle state of a payment channel.
type ChannelStatus uint8

const (
	// ChannelClosed is the terminal (and initial) channel state.  No
	// tickets may be issued or validated against a Closed channel.
	ChannelClosed ChannelStatus = iota

	// ChannelOpen accepts funding, ticket issuance and redemption.
	ChannelOpen

	// ChannelPendingToClose is entered when the channel's source initiates
	// closure.  Issuance stops, redemption continues until the closure
	// grace period elapses and the closure is finalized.
	ChannelPendingToClose
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelClosed:
		return "Closed"
	case ChannelOpen:
		return "Open"
	case ChannelPendingToClose:
		return "PendingToClose"
	default:
		return fmt.Sprintf("ChannelStatus(%d)", uint8(s))
	}
}

// ChannelEntry is the settlement layer's record of a channel.
type ChannelEntry struct {
	ID          ChannelID
	Source      Address
	Destination Address
	Balance     Balance
	TicketIndex uint64
	Epoch       uint32
	Status      ChannelStatus

	// ClosureTime is the earliest time an outgoing closure can be
	// finalized.  Zero unless Status is ChannelPendingToClose.
	ClosureTime time.Time
}

// IsOpen returns true if the channel accepts ticket issuance.
func (e *ChannelEntry) IsOpen() bool {
	return e.Status == ChannelOpen
}

// AcceptsRedemption returns true if tickets of the current epoch can still
// be redeemed against the channel.
func (e *ChannelEntry) AcceptsRedemption() bool {
	return e.Status == ChannelOpen || e.Status == ChannelPendingToClose
}
