// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

// Tag selects the application channel a message belongs to.
type Tag uint16

// ReservedTagUpperLimit is the exclusive upper bound of the tag range
// reserved for internal protocols.  External surfaces reject tags below
// it.
const ReservedTagUpperLimit Tag = 1024

// Reserved returns true if the tag lies in the reserved range.
func (t Tag) Reserved() bool {
	return t < ReservedTagUpperLimit
}
