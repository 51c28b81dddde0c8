// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	// DefaultDeliveryDeadline is how long a packet may age in transit
	// before relays stop handling it.
	DefaultDeliveryDeadline = 15 * time.Second

	sendTimeout = 10 * time.Second

	replayFilterMLn2 = 23
	replayFilterP    = 0.001
)

// DeliverFunc consumes a payload that reached its destination.
type DeliverFunc func(tag types.Tag, payload []byte) error

// Config holds the relay policy knobs.
type Config struct {
	// DeliveryDeadline bounds packet age.  Frames whose origin timestamp
	// is older than this are dropped without acknowledgement.  0 uses
	// DefaultDeliveryDeadline.
	DeliveryDeadline time.Duration

	// MaxRejectionRate is the fraction of rejected tickets on a channel
	// above which forwarding for that channel is refused.  0 disables
	// the policy and rejected tickets only affect statistics.
	MaxRejectionRate float64

	// MaxPayload caps originated payload sizes.  0 uses MaxPayloadSize.
	MaxPayload int
}

func (cfg *Config) deadline() time.Duration {
	if cfg.DeliveryDeadline <= 0 {
		return DefaultDeliveryDeadline
	}
	return cfg.DeliveryDeadline
}

func (cfg *Config) maxPayload() int {
	if cfg.MaxPayload <= 0 {
		return MaxPayloadSize
	}
	return cfg.MaxPayload
}

// Relay drives the packet pipeline.  It originates messages and forwards
// paid traffic hop by hop, echoing back the acknowledgement that settles
// the previous hop's ticket.
type Relay struct {
	cfg *Config
	log *logging.Logger

	tr        Transport
	issuer    *tickets.Issuer
	validator *tickets.Validator
	ledger    *tickets.Ledger
	replay    *replayFilter

	scheme  sign.Scheme
	selfKey []byte
	deliver DeliverFunc
}

// New assembles the pipeline and registers it with the transport.
func New(cfg *Config, tr Transport, issuer *tickets.Issuer, validator *tickets.Validator, ledger *tickets.Ledger, scheme sign.Scheme, selfPub sign.PublicKey, deliver DeliverFunc, logBackend *log.Backend) (*Relay, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	selfKey, err := selfPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	replay, err := newReplayFilter(replayFilterMLn2, replayFilterP)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:       cfg,
		log:       logBackend.GetLogger("relay"),
		tr:        tr,
		issuer:    issuer,
		validator: validator,
		ledger:    ledger,
		replay:    replay,
		scheme:    scheme,
		selfKey:   selfKey,
		deliver:   deliver,
	}
	tr.SetHandler(r.onFrame)
	return r, nil
}

// SendMessage originates a message along route, which names every hop
// after this node and ends with the destination.  Each relay on the
// path is paid with a ticket covering the hops it still has to fund.
func (r *Relay) SendMessage(ctx context.Context, route []types.Address, tag types.Tag, payload []byte) error {
	if tag.Reserved() {
		return types.ErrReservedTag
	}
	if len(payload) > r.cfg.maxPayload() {
		return types.ErrPayloadTooLarge
	}
	if len(route) == 0 {
		return types.ErrEmptyRoute
	}

	f := &Frame{
		Kind:       FramePacket,
		SenderKey:  r.selfKey,
		PacketID:   NewPacketID(),
		Tag:        tag,
		Payload:    payload,
		Route:      route[1:],
		AckKey:     newSecret(),
		NextAckKey: newSecret(),
		SentAt:     time.Now().UnixNano(),
	}
	if len(f.Route) > 0 {
		secret := newSecret()
		amount, err := r.issuer.AmountFor(len(f.Route))
		if err != nil {
			return err
		}
		t, err := r.issuer.Issue(route[0], amount, blake2b.Sum256(secret[:]))
		if err != nil {
			return err
		}
		f.Ticket = t
		f.NextAckKey = secret
	}
	return r.tr.Send(ctx, route[0], f)
}

func (r *Relay) onFrame(f *Frame) {
	switch f.Kind {
	case FrameAck:
		r.onAck(f)
	case FramePacket:
		r.onPacket(f)
	default:
		r.log.Debugf("discarded frame with unknown kind %d", f.Kind)
	}
}

// onAck resolves the pending ticket whose challenge the echoed key
// preimages.  Echoes for frames this node originated carry a random
// key and resolve nothing.
func (r *Relay) onAck(f *Frame) {
	instrument.AcksReceived()
	ack := &types.Acknowledgement{Response: f.AckKey}
	if _, err := r.ledger.Acknowledge(ack); err != nil {
		r.log.Debugf("unresolvable acknowledgement: %v", err)
	}
}

func (r *Relay) onPacket(f *Frame) {
	senderPub, err := r.scheme.UnmarshalBinaryPublicKey(f.SenderKey)
	if err != nil {
		r.drop("sender_key", "malformed sender key: %v", err)
		return
	}
	sender := types.AddressFromPublicKey(senderPub)

	if r.replay.isReplay(f.PacketID) {
		r.drop("replay", "replayed packet %x from %v", f.PacketID, sender)
		return
	}
	if age := time.Since(time.Unix(0, f.SentAt)); age > r.cfg.deadline() {
		// No acknowledgement: nobody earns for stale traffic.
		r.drop("expired", "packet %x aged out (%v) from %v", f.PacketID, age, sender)
		return
	}

	// The sender's hop is done the moment the packet arrives here, so
	// the echo goes out before any accounting on our own leg.
	r.echoAck(sender, f.AckKey)

	forwarding := len(f.Route) > 0
	if f.Ticket == nil && forwarding {
		r.drop("unpaid", "unpaid forwarding request %x from %v", f.PacketID, sender)
		return
	}
	if f.Ticket != nil {
		if err := r.validator.Validate(f.Ticket, senderPub); err != nil {
			// A rejected ticket is a statistics event, not a transport
			// failure.  Forwarding stops only once the channel trips
			// the rejection policy.
			if max := r.cfg.MaxRejectionRate; max > 0 && r.validator.RejectionRate(f.Ticket.ChannelID) > max {
				r.drop("rejection_policy", "refusing channel %v past rejection rate %.2f: %v", f.Ticket.ChannelID, max, err)
				return
			}
		}
	}

	if !forwarding {
		if err := r.deliver(f.Tag, f.Payload); err != nil {
			r.drop("deliver", "delivery of %x failed: %v", f.PacketID, err)
			return
		}
		instrument.PacketsDelivered()
		return
	}
	r.forward(f)
}

func (r *Relay) forward(f *Frame) {
	next := f.Route[0]
	out := &Frame{
		Kind:       FramePacket,
		SenderKey:  r.selfKey,
		PacketID:   f.PacketID,
		Tag:        f.Tag,
		Payload:    f.Payload,
		Route:      f.Route[1:],
		AckKey:     f.NextAckKey,
		NextAckKey: newSecret(),
		SentAt:     f.SentAt,
	}
	if len(out.Route) > 0 {
		secret := newSecret()
		amount, err := r.issuer.AmountFor(len(out.Route))
		if err != nil {
			r.drop("issue", "cannot price leg to %v: %v", next, err)
			return
		}
		t, err := r.issuer.Issue(next, amount, blake2b.Sum256(secret[:]))
		if err != nil {
			r.drop("issue", "cannot pay %v for %x: %v", next, f.PacketID, err)
			return
		}
		out.Ticket = t
		out.NextAckKey = secret
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.tr.Send(ctx, next, out); err != nil {
		r.drop("send", "forward of %x to %v failed: %v", f.PacketID, next, err)
		return
	}
	instrument.PacketsRelayed()
}

func (r *Relay) echoAck(to types.Address, key [32]byte) {
	ack := &Frame{
		Kind:      FrameAck,
		SenderKey: r.selfKey,
		PacketID:  NewPacketID(),
		AckKey:    key,
		SentAt:    time.Now().UnixNano(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.tr.Send(ctx, to, ack); err != nil {
		r.log.Debugf("acknowledgement to %v failed: %v", to, err)
	}
}

func (r *Relay) drop(reason, format string, args ...interface{}) {
	instrument.PacketsDropped(reason)
	r.log.Warningf("dropped packet: "+format, args...)
}
