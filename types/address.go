// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package types defines the value types shared across the node: addresses,
// balances, channels, tickets and their statistics.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/sign"
	"golang.org/x/crypto/blake2b"
)

// AddressSize is the size of a node address in bytes.
const AddressSize = 20

// Address identifies a node on the settlement layer.  It is derived from
// the node's identity public key and is rendered as 0x-prefixed hex.
type Address [AddressSize]byte

// AddressFromPublicKey derives the settlement address of an identity public
// key, the trailing AddressSize bytes of its BLAKE2b-256 digest.
func AddressFromPublicKey(pub sign.PublicKey) Address {
	blob, err := pub.MarshalBinary()
	if err != nil {
		panic("types: failed to marshal public key: " + err.Error())
	}
	sum := blake2b.Sum256(blob)

	var a Address
	copy(a[:], sum[len(sum)-AddressSize:])
	return a
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(raw) != AddressSize*2 {
		return a, fmt.Errorf("types: malformed address: '%v'", s)
	}
	if _, err := hex.Decode(a[:], []byte(raw)); err != nil {
		return a, fmt.Errorf("types: malformed address: %v", err)
	}
	return a, nil
}

// Bytes returns the raw address bytes.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero returns true if the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
