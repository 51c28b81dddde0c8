// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/katzenpost/hpqc/sign"
	"golang.org/x/crypto/blake2b"
)

// ticketDigestPrefix domain-separates ticket digests from other signed
// material.
var ticketDigestPrefix = []byte("hoprnet-ticket-v1")

// WinProb is a ticket winning probability, held as a luck threshold: a
// ticket wins iff its 64 bit luck value is less than or equal to the
// threshold.  The maximum threshold corresponds to probability 1.
type WinProb uint64

// WinProbAlways is the winning probability of exactly 1.
const WinProbAlways = WinProb(math.MaxUint64)

// WinProbFromFloat converts a probability in (0, 1] to a luck threshold.
func WinProbFromFloat(p float64) (WinProb, error) {
	if math.IsNaN(p) || p <= 0 || p > 1 {
		return 0, fmt.Errorf("types: winning probability out of range: %v", p)
	}
	if p == 1 {
		return WinProbAlways, nil
	}
	// p * 2^64, computed without overflowing the float64 -> uint64
	// conversion for p close to 1.
	t := math.Floor(p * (1 << 32) * (1 << 32))
	if t >= math.MaxUint64 {
		return WinProbAlways, nil
	}
	if t < 1 {
		t = 1
	}
	return WinProb(uint64(t) - 1), nil
}

// Float64 returns the probability as a float.
func (w WinProb) Float64() float64 {
	if w == WinProbAlways {
		return 1
	}
	return (float64(w) + 1) / ((1 << 32) * (1 << 32))
}

// AmountForValue returns the smallest nominal ticket amount whose expected
// value at this probability is at least ev.  It is the inverse of
// Ticket.EV, used by issuers to price tickets so that relays earn the
// per-hop wage in expectation regardless of the configured probability.
func (w WinProb) AmountForValue(ev Balance) (Balance, error) {
	if ev == 0 {
		return 0, nil
	}
	if w == WinProbAlways {
		return ev, nil
	}
	// amount = ceil(ev * 2^64 / (w + 1))
	n := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(ev)), 64)
	d := new(big.Int).SetUint64(uint64(w) + 1)
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return Balance(q.Uint64()), nil
}

func (w WinProb) String() string {
	return fmt.Sprintf("%g", w.Float64())
}

// Ticket is a probabilistic claim on a payment channel's funds, issued by
// the channel's source to its destination in exchange for forwarding a
// packet.
type Ticket struct {
	ChannelID ChannelID
	Epoch     uint32
	Index     uint64

	// IndexSpan is the count of consecutive ticket indexes this ticket
	// covers.  1 for a plain ticket, the constituent count for an
	// aggregate.
	IndexSpan uint32

	Amount  Balance
	WinProb WinProb

	// Challenge commits to the forwarding proof.  The ticket is worthless
	// until the proof is presented and the commitment checks out.
	Challenge [32]byte

	Signature []byte
}

// Digest returns the BLAKE2b-256 digest the issuer signs.
func (t *Ticket) Digest() [32]byte {
	var buf [ChannelIDSize + 4 + 8 + 4 + 8 + 8 + 32]byte
	o := copy(buf[:], t.ChannelID[:])
	binary.BigEndian.PutUint32(buf[o:], t.Epoch)
	o += 4
	binary.BigEndian.PutUint64(buf[o:], t.Index)
	o += 8
	binary.BigEndian.PutUint32(buf[o:], t.IndexSpan)
	o += 4
	binary.BigEndian.PutUint64(buf[o:], uint64(t.Amount))
	o += 8
	binary.BigEndian.PutUint64(buf[o:], uint64(t.WinProb))
	o += 8
	copy(buf[o:], t.Challenge[:])

	h, err := blake2b.New256(nil)
	if err != nil {
		panic("types: blake2b.New256: " + err.Error())
	}
	h.Write(ticketDigestPrefix)
	h.Write(buf[:])

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Sign signs the ticket with the issuer's identity key.
func (t *Ticket) Sign(scheme sign.Scheme, priv sign.PrivateKey) {
	digest := t.Digest()
	t.Signature = scheme.Sign(priv, digest[:], nil)
}

// Verify checks the ticket signature against the issuer's public key.
func (t *Ticket) Verify(pub sign.PublicKey) error {
	if len(t.Signature) == 0 {
		return ErrInvalidSignature
	}
	digest := t.Digest()
	if !pub.Scheme().Verify(pub, digest[:], t.Signature, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// EV returns the expected value of the ticket, the floor of amount times
// winning probability.
func (t *Ticket) EV() Balance {
	if t.WinProb == WinProbAlways {
		return t.Amount
	}
	// floor(amount * (w+1) / 2^64): the high word of the 128 bit product.
	hi, _ := bits.Mul64(uint64(t.Amount), uint64(t.WinProb)+1)
	return Balance(hi)
}

// IsAggregated returns true if the ticket covers more than one index.
func (t *Ticket) IsAggregated() bool {
	return t.IndexSpan > 1
}

// Luck derives the ticket's 64 bit luck value from its signature and the
// resolved forwarding proof.  Neither the issuer nor the holder can bias
// it: the signature is fixed before the proof is known, and the proof is
// committed before the signature is made.
func (t *Ticket) Luck(response [32]byte) uint64 {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("types: blake2b.New256: " + err.Error())
	}
	h.Write(t.Signature)
	h.Write(response[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

// IsWinning evaluates the winning rule for the resolved forwarding proof.
func (t *Ticket) IsWinning(response [32]byte) bool {
	return t.Luck(response) <= uint64(t.WinProb)
}

// Acknowledgement carries the forwarding proof for a previously received
// ticket back to the node holding it.
type Acknowledgement struct {
	Response [32]byte
}

// Challenge returns the challenge commitment the response resolves.
func (a *Acknowledgement) Challenge() [32]byte {
	return blake2b.Sum256(a.Response[:])
}

// ResolvesChallenge checks the response against a ticket's challenge
// commitment.
func (a *Acknowledgement) ResolvesChallenge(challenge [32]byte) bool {
	return a.Challenge() == challenge
}
