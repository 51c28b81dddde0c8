// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the hop-by-hop packet pipeline: sending
// multi-hop messages, forwarding packets for peers in exchange for
// tickets, acknowledging receipt to the upstream hop, and delivering
// payloads at the final destination.
package relay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/kauki-labs/hoprnet/types"
)

const (
	// MaxPayloadSize is the largest application payload a single packet
	// carries.  Larger messages are rejected before they reach the wire.
	MaxPayloadSize = 462

	// maxWireSize bounds a serialized frame.  A frame is the payload plus
	// the route, ticket and acknowledgement material; anything larger is
	// malformed.
	maxWireSize = 4096
)

// FrameKind discriminates the two wire messages.
type FrameKind uint8

const (
	// FramePacket carries a payload toward its destination.
	FramePacket FrameKind = iota

	// FrameAck confirms receipt of a packet to the hop that sent it,
	// revealing the acknowledgement secret that hop is waiting on.
	FrameAck
)

// Frame is the unit of transmission between adjacent hops.
type Frame struct {
	Kind      FrameKind
	SenderKey []byte
	PacketID  [16]byte

	Tag     types.Tag
	Payload []byte

	// Route lists the hops after the receiver; empty means the receiver
	// is the destination.
	Route []types.Address

	// Ticket pays the receiver for forwarding.  Nil on unpaid legs: the
	// final relay-to-destination leg and zero-hop direct sends.
	Ticket *types.Ticket

	// AckKey is echoed back to the frame's sender immediately on receipt.
	AckKey [32]byte

	// NextAckKey is copied, opaquely, into the AckKey field of the
	// forwarded frame.  The next hop's echo of it resolves the challenge
	// of the ticket carried by this frame.
	NextAckKey [32]byte

	// SentAt is the origin timestamp in nanoseconds since the epoch.
	// Packets older than the delivery deadline are dropped, not relayed.
	SentAt int64
}

// NewPacketID returns a fresh random packet identifier.
func NewPacketID() [16]byte {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic("relay: failed to generate packet ID: " + err.Error())
	}
	return id
}

func newSecret() [32]byte {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		panic("relay: failed to generate secret: " + err.Error())
	}
	return s
}

// EncodeFrame serializes a frame.
func EncodeFrame(f *Frame) ([]byte, error) {
	return cbor.Marshal(f)
}

// DecodeFrame parses a serialized frame.
func DecodeFrame(b []byte) (*Frame, error) {
	f := new(Frame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFrame writes a length-prefixed frame to a stream transport.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if len(b) > maxWireSize {
		return types.ErrPayloadTooLarge
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	if _, err = w.Write(l[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads a length-prefixed frame from a stream transport.
func ReadFrame(r io.Reader) (*Frame, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 || n > maxWireSize {
		return nil, fmt.Errorf("relay: malformed frame length: %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return DecodeFrame(b)
}
