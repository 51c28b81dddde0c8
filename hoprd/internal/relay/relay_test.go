// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/require"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/chain/simchain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	testTicketPrice = types.Balance(100)
	testTag         = types.Tag(2048)
)

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)
	return backend
}

func fastPoll() retry.PollConfig {
	return retry.PollConfig{MaxAttempts: 200, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

type delivery struct {
	tag     types.Tag
	payload []byte
}

type node struct {
	addr      types.Address
	pub       sign.PublicKey
	mgr       *channels.Manager
	ledger    *tickets.Ledger
	issuer    *tickets.Issuer
	validator *tickets.Validator
	tr        *LoopbackTransport
	relay     *Relay

	mu        sync.Mutex
	delivered []delivery
}

func (n *node) deliver(tag types.Tag, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, delivery{tag: tag, payload: append([]byte(nil), payload...)})
	return nil
}

func (n *node) deliveries() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.delivered...)
}

func (n *node) keyBytes(t *testing.T) []byte {
	b, err := n.pub.MarshalBinary()
	require.NoError(t, err)
	return b
}

type rigOpts struct {
	funding    types.Balance
	relayCfg   *Config
	issuerProb map[int]float64       // node index to issue probability
	strictMin  map[int]types.WinProb // node index to validator minimum
}

// rig wires count relay nodes over a loopback network with a payment
// channel opened between every adjacent pair, in path order.
type rig struct {
	chain *simchain.Chain
	net   *LoopbackNetwork
	nodes []*node
	ids   []types.ChannelID // ids[i] pays nodes[i] -> nodes[i+1]
}

func newRig(t *testing.T, count int, opts rigOpts) *rig {
	require := require.New(t)
	ctx := context.Background()

	if opts.funding == 0 {
		opts.funding = 1000
	}

	scheme := signSchemes.ByName("Ed25519")
	require.NotNil(scheme)

	r := &rig{
		chain: simchain.New(simchain.Config{
			TicketPrice:        testTicketPrice,
			ClosureGracePeriod: time.Minute,
		}, testBackend(t)),
		net: NewLoopbackNetwork(),
	}
	t.Cleanup(r.chain.Halt)

	for i := 0; i < count; i++ {
		pub, priv, err := scheme.GenerateKey()
		require.NoError(err)

		n := &node{addr: types.AddressFromPublicKey(pub), pub: pub}
		r.chain.Register(n.addr, chain.AccountBalances{Native: 1 << 20, SafeHopr: 1 << 40, SafeHoprAllowance: 1 << 40})

		n.mgr, err = channels.New(r.chain, n.addr, &channels.Config{
			DataDir:      t.TempDir(),
			PollInterval: 20 * time.Millisecond,
		}, testBackend(t))
		require.NoError(err)
		t.Cleanup(n.mgr.Halt)

		n.ledger, err = tickets.NewLedger(t.TempDir(), testBackend(t))
		require.NoError(err)
		t.Cleanup(n.ledger.Close)

		issuerCfg := &tickets.IssuerConfig{}
		if p, ok := opts.issuerProb[i]; ok {
			issuerCfg.WinProb, err = types.WinProbFromFloat(p)
			require.NoError(err)
		}
		n.issuer, err = tickets.NewIssuer(n.ledger, n.mgr, r.chain, scheme, priv, issuerCfg, testBackend(t))
		require.NoError(err)
		t.Cleanup(n.issuer.Halt)

		n.validator = tickets.NewValidator(n.ledger, n.mgr, opts.strictMin[i], testBackend(t))

		n.tr = r.net.Transport(n.addr)
		n.relay, err = New(opts.relayCfg, n.tr, n.issuer, n.validator, n.ledger, scheme, pub, n.deliver, testBackend(t))
		require.NoError(err)

		r.nodes = append(r.nodes, n)
	}

	for i := 0; i+1 < count; i++ {
		id, err := r.nodes[i].mgr.Open(ctx, r.nodes[i+1].addr, opts.funding)
		require.NoError(err)
		outcome, err := r.nodes[i+1].mgr.WaitStatus(ctx, id, types.ChannelOpen, fastPoll())
		require.NoError(err)
		require.Equal(retry.Converged, outcome)
		r.ids = append(r.ids, id)
	}
	return r
}

func (r *rig) route(from int) []types.Address {
	var route []types.Address
	for _, n := range r.nodes[from+1:] {
		route = append(route, n.addr)
	}
	return route
}

func (r *rig) waitDelivered(t *testing.T, n *node, want int) {
	require := require.New(t)
	outcome, err := retry.Poll(context.Background(), fastPoll(), func(context.Context) (bool, error) {
		return len(n.deliveries()) >= want, nil
	})
	require.NoError(err)
	require.Equal(retry.Converged, outcome)
}

func (r *rig) waitUnredeemed(t *testing.T, n *node, id types.ChannelID, value types.Balance) {
	require := require.New(t)
	outcome, err := retry.Poll(context.Background(), fastPoll(), func(context.Context) (bool, error) {
		stats, err := n.ledger.StatsFor(id)
		if err != nil {
			return false, err
		}
		return stats.UnredeemedValue == value, nil
	})
	require.NoError(err)
	require.Equal(retry.Converged, outcome)
}

func TestRelayChain(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 4, rigOpts{})
	src, hop1, hop2, dst := r.nodes[0], r.nodes[1], r.nodes[2], r.nodes[3]

	payload := []byte("through three legs")
	require.NoError(src.relay.SendMessage(context.Background(), r.route(0), testTag, payload))

	r.waitDelivered(t, dst, 1)
	got := dst.deliveries()[0]
	require.Equal(testTag, got.tag)
	require.Equal(payload, got.payload)

	// The first relay covered two legs, the second one.  Both tickets
	// settle into unredeemed once the downstream echo arrives.
	r.waitUnredeemed(t, hop1, r.ids[0], 200)
	r.waitUnredeemed(t, hop2, r.ids[1], 100)

	stats, err := hop1.ledger.StatsFor(r.ids[0])
	require.NoError(err)
	require.Equal(uint64(1), stats.UnredeemedCount)
	require.Equal(uint64(0), stats.RejectedCount)

	// The destination did no relay work and holds no tickets.
	held, err := dst.ledger.TicketsFor(r.ids[2])
	require.NoError(err)
	require.Empty(held)
}

func TestRelayDirect(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 2, rigOpts{})
	src, dst := r.nodes[0], r.nodes[1]

	require.NoError(src.relay.SendMessage(context.Background(), r.route(0), testTag, []byte("no middlemen")))
	r.waitDelivered(t, dst, 1)

	// A direct exchange involves no payment at all.
	stats, err := dst.ledger.Stats()
	require.NoError(err)
	require.Equal(uint64(0), stats.UnredeemedCount)
	require.Equal(uint64(0), stats.RejectedCount)
}

func TestRelaySendChecks(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 2, rigOpts{})
	src, dst := r.nodes[0], r.nodes[1]
	ctx := context.Background()

	require.ErrorIs(src.relay.SendMessage(ctx, r.route(0), types.Tag(7), []byte("x")), types.ErrReservedTag)
	require.ErrorIs(src.relay.SendMessage(ctx, r.route(0), testTag, bytes.Repeat([]byte{0xaa}, MaxPayloadSize+1)), types.ErrPayloadTooLarge)
	require.ErrorIs(src.relay.SendMessage(ctx, nil, testTag, []byte("x")), types.ErrEmptyRoute)

	// A payload of exactly MaxPayloadSize is the largest that still goes out.
	require.NoError(src.relay.SendMessage(ctx, r.route(0), testTag, bytes.Repeat([]byte{0xaa}, MaxPayloadSize)))
	r.waitDelivered(t, dst, 1)
}

func TestRelayOriginUnderfunded(t *testing.T) {
	require := require.New(t)

	// A two-leg route needs a 200 ticket on the first channel; 150 of
	// funding cannot cover it and the send fails before anything moves.
	r := newRig(t, 3, rigOpts{funding: 150})
	src, dst := r.nodes[0], r.nodes[2]

	err := src.relay.SendMessage(context.Background(), r.route(0), testTag, []byte("x"))
	require.ErrorIs(err, types.ErrExceedsChannelBalance)

	time.Sleep(50 * time.Millisecond)
	require.Empty(dst.deliveries())
}

func TestRelayReplay(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 2, rigOpts{})
	src, dst := r.nodes[0], r.nodes[1]

	f := &Frame{
		Kind:       FramePacket,
		SenderKey:  src.keyBytes(t),
		PacketID:   NewPacketID(),
		Tag:        testTag,
		Payload:    []byte("once only"),
		AckKey:     newSecret(),
		NextAckKey: newSecret(),
		SentAt:     time.Now().UnixNano(),
	}
	ctx := context.Background()
	require.NoError(src.tr.Send(ctx, dst.addr, f))
	r.waitDelivered(t, dst, 1)

	require.NoError(src.tr.Send(ctx, dst.addr, f))
	time.Sleep(50 * time.Millisecond)
	require.Len(dst.deliveries(), 1)
}

func TestRelayExpired(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 2, rigOpts{relayCfg: &Config{DeliveryDeadline: 25 * time.Millisecond}})
	src, dst := r.nodes[0], r.nodes[1]

	f := &Frame{
		Kind:       FramePacket,
		SenderKey:  src.keyBytes(t),
		PacketID:   NewPacketID(),
		Tag:        testTag,
		Payload:    []byte("too late"),
		AckKey:     newSecret(),
		NextAckKey: newSecret(),
		SentAt:     time.Now().Add(-time.Second).UnixNano(),
	}
	require.NoError(src.tr.Send(context.Background(), dst.addr, f))

	time.Sleep(50 * time.Millisecond)
	require.Empty(dst.deliveries())
}

func TestRelayUnpaidForward(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 3, rigOpts{})
	src, hop, dst := r.nodes[0], r.nodes[1], r.nodes[2]

	// A forwarding request without a ticket goes nowhere.
	f := &Frame{
		Kind:       FramePacket,
		SenderKey:  src.keyBytes(t),
		PacketID:   NewPacketID(),
		Tag:        testTag,
		Payload:    []byte("freeloader"),
		Route:      []types.Address{dst.addr},
		AckKey:     newSecret(),
		NextAckKey: newSecret(),
		SentAt:     time.Now().UnixNano(),
	}
	require.NoError(src.tr.Send(context.Background(), hop.addr, f))

	time.Sleep(50 * time.Millisecond)
	require.Empty(dst.deliveries())
}

func TestRelayRejectedTickets(t *testing.T) {
	require := require.New(t)

	// The first relay refuses probability 1/2 tickets, so the origin's
	// ticket is rejected, yet the packet still reaches the destination.
	r := newRig(t, 3, rigOpts{
		issuerProb: map[int]float64{0: 0.5},
		strictMin:  map[int]types.WinProb{1: types.WinProbAlways},
	})
	src, hop, dst := r.nodes[0], r.nodes[1], r.nodes[2]

	payload := []byte("paid badly, moved anyway")
	require.NoError(src.relay.SendMessage(context.Background(), r.route(0), testTag, payload))
	r.waitDelivered(t, dst, 1)
	require.Equal(payload, dst.deliveries()[0].payload)

	stats, err := hop.ledger.StatsFor(r.ids[0])
	require.NoError(err)
	require.Equal(uint64(1), stats.RejectedCount)
	require.Equal(uint64(0), stats.UnredeemedCount)
}

func TestRelayRejectionPolicy(t *testing.T) {
	require := require.New(t)

	// With a rejection cap the same misbehaving channel is cut off and
	// nothing is forwarded for it.
	r := newRig(t, 3, rigOpts{
		relayCfg:   &Config{MaxRejectionRate: 0.5},
		issuerProb: map[int]float64{0: 0.5},
		strictMin:  map[int]types.WinProb{1: types.WinProbAlways},
	})
	src, hop, dst := r.nodes[0], r.nodes[1], r.nodes[2]

	require.NoError(src.relay.SendMessage(context.Background(), r.route(0), testTag, []byte("x")))

	time.Sleep(50 * time.Millisecond)
	require.Empty(dst.deliveries())

	stats, err := hop.ledger.StatsFor(r.ids[0])
	require.NoError(err)
	require.Equal(uint64(1), stats.RejectedCount)
}

func TestQuicTransport(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	a, err := NewQuicTransport("127.0.0.1:0", testBackend(t))
	require.NoError(err)
	t.Cleanup(func() { a.Close() })
	b, err := NewQuicTransport("127.0.0.1:0", testBackend(t))
	require.NoError(err)
	t.Cleanup(func() { b.Close() })

	var aAddr, bAddr types.Address
	aAddr[0], bAddr[0] = 1, 2
	a.AddPeer(bAddr, b.Addr())
	b.AddPeer(aAddr, a.Addr())

	atB := make(chan *Frame, 8)
	b.SetHandler(func(f *Frame) { atB <- f })
	atA := make(chan *Frame, 8)
	a.SetHandler(func(f *Frame) { atA <- f })

	recv := func(ch chan *Frame) *Frame {
		select {
		case f := <-ch:
			return f
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}

	f := &Frame{
		Kind:       FramePacket,
		SenderKey:  []byte{0x01, 0x02},
		PacketID:   NewPacketID(),
		Tag:        testTag,
		Payload:    []byte("over quic"),
		AckKey:     newSecret(),
		NextAckKey: newSecret(),
		SentAt:     time.Now().UnixNano(),
	}
	require.NoError(a.Send(ctx, bAddr, f))
	got := recv(atB)
	require.Equal(f.PacketID, got.PacketID)
	require.Equal(f.Payload, got.Payload)

	// The cached connection serves subsequent frames both ways.
	f2 := &Frame{Kind: FrameAck, SenderKey: []byte{0x03}, PacketID: NewPacketID(), AckKey: f.NextAckKey, SentAt: time.Now().UnixNano()}
	require.NoError(b.Send(ctx, aAddr, f2))
	require.Equal(f2.AckKey, recv(atA).AckKey)

	require.NoError(a.Send(ctx, bAddr, f2))
	require.Equal(f2.PacketID, recv(atB).PacketID)

	var stranger types.Address
	stranger[0] = 9
	require.Error(a.Send(ctx, stranger, f))
}
