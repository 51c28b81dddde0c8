// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package tickets

import (
	"sync"

	"github.com/kauki-labs/hoprnet/types"
)

// LeaseKind identifies which operation holds a channel's ticket set.
type LeaseKind uint8

const (
	// LeaseAggregation marks a channel whose tickets are being merged.
	LeaseAggregation LeaseKind = iota

	// LeaseRedemption marks a channel whose tickets are being settled.
	LeaseRedemption
)

func (k LeaseKind) String() string {
	switch k {
	case LeaseAggregation:
		return "aggregation"
	case LeaseRedemption:
		return "redemption"
	default:
		return "unknown"
	}
}

// Leases serializes aggregation and redemption per channel.  Both walk
// and rewrite the same unredeemed set, so at most one of them may hold a
// channel at a time; acquisition never blocks, the caller backs off and
// retries instead.
type Leases struct {
	sync.Mutex

	held map[types.ChannelID]LeaseKind
}

// NewLeases constructs an empty lease table.
func NewLeases() *Leases {
	return &Leases{
		held: make(map[types.ChannelID]LeaseKind),
	}
}

// Acquire takes the channel lease, or reports which operation holds it
// via ErrAggregationInProgress or ErrRedemptionInProgress.
func (ls *Leases) Acquire(id types.ChannelID, kind LeaseKind) error {
	ls.Lock()
	defer ls.Unlock()
	if held, ok := ls.held[id]; ok {
		if held == LeaseRedemption {
			return types.ErrRedemptionInProgress
		}
		return types.ErrAggregationInProgress
	}
	ls.held[id] = kind
	return nil
}

// Release returns the channel lease.
func (ls *Leases) Release(id types.ChannelID) {
	ls.Lock()
	defer ls.Unlock()
	delete(ls.held, id)
}
