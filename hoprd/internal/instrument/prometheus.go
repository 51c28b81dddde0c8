//go:build !noprometheus
// +build !noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the node's operational counters via
// prometheus.  Build with the noprometheus tag to compile the counters
// out entirely.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_packets_relayed_total",
			Help: "Number of packets forwarded to a next hop",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_packets_delivered_total",
			Help: "Number of packets delivered to the local inbox",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprd_packets_dropped_total",
			Help: "Number of packets dropped, by reason",
		},
		[]string{"reason"},
	)
	acksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_acknowledgements_received_total",
			Help: "Number of acknowledgements received",
		},
	)
	ticketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_tickets_issued_total",
			Help: "Number of tickets issued on outgoing channels",
		},
	)
	ticketsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_tickets_accepted_total",
			Help: "Number of incoming tickets accepted",
		},
	)
	ticketsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoprd_tickets_rejected_total",
			Help: "Number of incoming tickets rejected, by reason",
		},
		[]string{"reason"},
	)
	ticketsRedeemed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_tickets_redeemed_total",
			Help: "Number of tickets settled on chain",
		},
	)
	valueRedeemed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_value_redeemed_total",
			Help: "Token value settled on chain",
		},
	)
	ticketsAggregated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hoprd_tickets_aggregated_total",
			Help: "Number of tickets retired by aggregation",
		},
	)
	inboxSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hoprd_inbox_messages",
			Help: "Number of messages held in the inbox",
		},
	)
)

func init() {
	prometheus.MustRegister(
		packetsRelayed,
		packetsDelivered,
		packetsDropped,
		acksReceived,
		ticketsIssued,
		ticketsAccepted,
		ticketsRejected,
		ticketsRedeemed,
		valueRedeemed,
		ticketsAggregated,
		inboxSize,
	)
}

// Init exposes the registered metrics over HTTP.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// PacketsRelayed increments the forwarded packet counter.
func PacketsRelayed() {
	packetsRelayed.Inc()
}

// PacketsDelivered increments the delivered packet counter.
func PacketsDelivered() {
	packetsDelivered.Inc()
}

// PacketsDropped increments the dropped packet counter for a reason.
func PacketsDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// AcksReceived increments the acknowledgement counter.
func AcksReceived() {
	acksReceived.Inc()
}

// TicketsIssued increments the issued ticket counter.
func TicketsIssued() {
	ticketsIssued.Inc()
}

// TicketsAccepted increments the accepted ticket counter.
func TicketsAccepted() {
	ticketsAccepted.Inc()
}

// TicketsRejected increments the rejected ticket counter for a reason.
func TicketsRejected(reason string) {
	ticketsRejected.With(prometheus.Labels{"reason": reason}).Inc()
}

// TicketsRedeemed adds a settled batch to the redemption counters.
func TicketsRedeemed(count int, value uint64) {
	ticketsRedeemed.Add(float64(count))
	valueRedeemed.Add(float64(value))
}

// TicketsAggregated adds the number of tickets retired by an aggregation.
func TicketsAggregated(retired int) {
	ticketsAggregated.Add(float64(retired))
}

// InboxSize records the current inbox occupancy.
func InboxSize(size int) {
	inboxSize.Set(float64(size))
}
