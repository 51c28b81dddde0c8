// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

// TicketStatistics is the value and count bookkeeping of a ticket ledger,
// kept per channel and aggregated node-wide.  Within an epoch the
// redeemed, rejected, neglected and winning figures only ever grow;
// unredeemed value moves in both directions as tickets are acknowledged,
// aggregated, redeemed or neglected.
type TicketStatistics struct {
	UnredeemedValue Balance
	UnredeemedCount uint64

	RedeemedValue Balance
	RedeemedCount uint64

	RejectedValue Balance
	RejectedCount uint64

	NeglectedValue Balance
	NeglectedCount uint64

	WinningCount uint64
}

// Merge accumulates o into s.
func (s *TicketStatistics) Merge(o *TicketStatistics) {
	s.UnredeemedValue += o.UnredeemedValue
	s.UnredeemedCount += o.UnredeemedCount
	s.RedeemedValue += o.RedeemedValue
	s.RedeemedCount += o.RedeemedCount
	s.RejectedValue += o.RejectedValue
	s.RejectedCount += o.RejectedCount
	s.NeglectedValue += o.NeglectedValue
	s.NeglectedCount += o.NeglectedCount
	s.WinningCount += o.WinningCount
}
