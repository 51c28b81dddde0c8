//go:build noprometheus
// +build noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

// Init does nothing.
func Init(addr string) {}

// PacketsRelayed does nothing.
func PacketsRelayed() {}

// PacketsDelivered does nothing.
func PacketsDelivered() {}

// PacketsDropped does nothing.
func PacketsDropped(reason string) {}

// AcksReceived does nothing.
func AcksReceived() {}

// TicketsIssued does nothing.
func TicketsIssued() {}

// TicketsAccepted does nothing.
func TicketsAccepted() {}

// TicketsRejected does nothing.
func TicketsRejected(reason string) {}

// TicketsRedeemed does nothing.
func TicketsRedeemed(count int, value uint64) {}

// TicketsAggregated does nothing.
func TicketsAggregated(retired int) {}

// InboxSize does nothing.
func InboxSize(size int) {}
