// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Token units used when rendering balances.
const (
	UnitHopr   = "wxHOPR"
	UnitNative = "xDai"
)

// Balance is an amount of tokens in the smallest denomination.  Arithmetic
// on balances is checked; silent wraparound of token amounts is never
// acceptable.
type Balance uint64

// MaxBalance is the largest representable balance.
const MaxBalance = Balance(math.MaxUint64)

// Add returns b + o, or ErrBalanceOverflow.
func (b Balance) Add(o Balance) (Balance, error) {
	if o > MaxBalance-b {
		return 0, ErrBalanceOverflow
	}
	return b + o, nil
}

// Sub returns b - o, or ErrBalanceUnderflow.
func (b Balance) Sub(o Balance) (Balance, error) {
	if o > b {
		return 0, ErrBalanceUnderflow
	}
	return b - o, nil
}

// SatAdd returns b + o, saturating at MaxBalance.
func (b Balance) SatAdd(o Balance) Balance {
	if o > MaxBalance-b {
		return MaxBalance
	}
	return b + o
}

// SatSub returns b - o, saturating at zero.
func (b Balance) SatSub(o Balance) Balance {
	if o > b {
		return 0
	}
	return b - o
}

// Mul returns b * n, or ErrBalanceOverflow.
func (b Balance) Mul(n uint64) (Balance, error) {
	if b == 0 || n == 0 {
		return 0, nil
	}
	if uint64(b) > math.MaxUint64/n {
		return 0, ErrBalanceOverflow
	}
	return b * Balance(n), nil
}

func (b Balance) String() string {
	return FormatUnits(b, UnitHopr)
}

// FormatUnits renders a balance with an explicit token unit.
func FormatUnits(b Balance, unit string) string {
	return strconv.FormatUint(uint64(b), 10) + " " + unit
}

// ParseBalance parses a balance rendered by FormatUnits, with or without
// the unit suffix.
func ParseBalance(s string) (Balance, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 || len(fields) > 2 {
		return 0, fmt.Errorf("types: malformed balance: '%v'", s)
	}
	v, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("types: malformed balance: %v", err)
	}
	return Balance(v), nil
}
