// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package aggregator

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	cartesian "github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/chain/simchain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/types"
)

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)
	return backend
}

type rig struct {
	chain     *simchain.Chain
	src, dst  types.Address
	srcPub    sign.PublicKey
	dstMgr    *channels.Manager
	ledger    *tickets.Ledger
	leases    *tickets.Leases
	issuer    *tickets.Issuer
	validator *tickets.Validator
	agg       *Aggregator
	id        types.ChannelID
}

func newRig(t *testing.T, funding types.Balance, cfg *Config) *rig {
	require := require.New(t)
	ctx := context.Background()

	scheme := signSchemes.ByName("Ed25519")
	srcPub, srcPriv, err := scheme.GenerateKey()
	require.NoError(err)
	dstPub, _, err := scheme.GenerateKey()
	require.NoError(err)

	r := &rig{
		src:    types.AddressFromPublicKey(srcPub),
		dst:    types.AddressFromPublicKey(dstPub),
		srcPub: srcPub,
	}
	r.chain = simchain.New(simchain.Config{TicketPrice: 100, ClosureGracePeriod: time.Minute}, testBackend(t))
	t.Cleanup(r.chain.Halt)
	r.chain.Register(r.src, chain.AccountBalances{Native: 1 << 20, SafeHopr: 1 << 40, SafeHoprAllowance: 1 << 40})
	r.chain.Register(r.dst, chain.AccountBalances{Native: 1 << 20})

	newMgr := func(self types.Address) *channels.Manager {
		m, err := channels.New(r.chain, self, &channels.Config{
			DataDir:      t.TempDir(),
			PollInterval: 20 * time.Millisecond,
		}, testBackend(t))
		require.NoError(err)
		t.Cleanup(m.Halt)
		return m
	}
	srcMgr := newMgr(r.src)
	r.dstMgr = newMgr(r.dst)

	srcLedger, err := tickets.NewLedger(t.TempDir(), testBackend(t))
	require.NoError(err)
	t.Cleanup(srcLedger.Close)
	r.ledger, err = tickets.NewLedger(t.TempDir(), testBackend(t))
	require.NoError(err)
	t.Cleanup(r.ledger.Close)

	r.issuer, err = tickets.NewIssuer(srcLedger, srcMgr, r.chain, scheme, srcPriv, &tickets.IssuerConfig{}, testBackend(t))
	require.NoError(err)
	t.Cleanup(r.issuer.Halt)
	r.validator = tickets.NewValidator(r.ledger, r.dstMgr, 0, testBackend(t))
	r.leases = tickets.NewLeases()

	if cfg == nil {
		cfg = &Config{}
	}
	r.agg = New(r.ledger, r.leases, r.dstMgr, cfg, testBackend(t))
	t.Cleanup(r.agg.Halt)

	r.id, err = srcMgr.Open(ctx, r.dst, funding)
	require.NoError(err)
	outcome, err := r.dstMgr.WaitStatus(ctx, r.id, types.ChannelOpen, fastPoll())
	require.NoError(err)
	require.Equal(retry.Converged, outcome)
	return r
}

func fastPoll() retry.PollConfig {
	return retry.PollConfig{MaxAttempts: 200, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func (r *rig) issueAccepted(t *testing.T, amount types.Balance) {
	require := require.New(t)
	var response [32]byte
	_, err := rand.Read(response[:])
	require.NoError(err)
	tk, err := r.issuer.Issue(r.dst, amount, blake2b.Sum256(response[:]))
	require.NoError(err)
	require.NoError(r.validator.Validate(tk, r.srcPub))
	_, err = r.ledger.Acknowledge(&types.Acknowledgement{Response: response})
	require.NoError(err)
}

func TestAggregate(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 1000, nil)

	for i := 0; i < 4; i++ {
		r.issueAccepted(t, 100)
	}

	before, err := r.ledger.StatsFor(r.id)
	require.NoError(err)
	require.Equal(types.Balance(400), before.UnredeemedValue)
	require.Equal(uint64(4), before.UnredeemedCount)

	outcome, err := r.agg.Aggregate(r.id)
	require.NoError(err)
	require.Equal(Aggregated, outcome)

	t.Run("value unchanged, count collapsed", func(t *testing.T) {
		after, err := r.ledger.StatsFor(r.id)
		require.NoError(err)
		require.Equal(before.UnredeemedValue, after.UnredeemedValue)
		require.Equal(uint64(1), after.UnredeemedCount)
	})

	var merged tickets.Acknowledged
	t.Run("replacement shape", func(t *testing.T) {
		held, err := r.ledger.UnredeemedFor(r.id, 1)
		require.NoError(err)
		require.Len(held, 1)
		merged = held[0]
		require.Equal(types.Balance(400), merged.Ticket.Amount)
		require.Equal(types.WinProbAlways, merged.Ticket.WinProb)
		require.Equal(uint64(0), merged.Ticket.Index)
		require.Equal(uint32(4), merged.Ticket.IndexSpan)
		require.True(merged.Ticket.IsAggregated())
		require.True(merged.IsWinning())
	})

	t.Run("idempotent below two tickets", func(t *testing.T) {
		outcome, err := r.agg.Aggregate(r.id)
		require.NoError(err)
		require.Equal(NothingToAggregate, outcome)
	})

	t.Run("replacement settles", func(t *testing.T) {
		err := r.chain.SubmitRedemption(context.Background(), r.dst, &merged.Ticket, merged.Response)
		require.NoError(err)
	})
}

func TestAggregateExpectedValue(t *testing.T) {
	amounts := []interface{}{types.Balance(7), types.Balance(100), types.Balance(99999)}
	probs := []interface{}{1.0, 0.5, 0.03125}
	counts := []interface{}{2, 5, 17}

	for combo := range cartesian.Iter(amounts, probs, counts) {
		amount := combo[0].(types.Balance)
		p := combo[1].(float64)
		n := combo[2].(int)

		t.Run(fmt.Sprintf("a=%d/p=%g/n=%d", amount, p, n), func(t *testing.T) {
			require := require.New(t)
			w, err := types.WinProbFromFloat(p)
			require.NoError(err)

			var held []tickets.Acknowledged
			var evSum types.Balance
			for i := 0; i < n; i++ {
				tk := types.Ticket{
					Epoch:     1,
					Index:     uint64(i),
					IndexSpan: 1,
					Amount:    amount,
					WinProb:   w,
					Signature: []byte{byte(i)},
				}
				var a tickets.Acknowledged
				a.Ticket = tk
				_, err := rand.Read(a.Response[:])
				require.NoError(err)
				evSum += tk.EV()
				held = append(held, a)
			}

			agg, err := combine(held)
			require.NoError(err)

			expectedAmount, err := amount.Mul(uint64(n))
			require.NoError(err)
			require.Equal(expectedAmount, agg.Ticket.Amount)
			require.Equal(uint32(n), agg.Ticket.IndexSpan)

			// Expected value is preserved to within one token unit of
			// rounding, never overshooting.
			got := agg.Ticket.EV()
			require.LessOrEqual(got, evSum)
			require.LessOrEqual(evSum-got, types.Balance(1))

			// The aggregate's own acknowledgement must resolve its
			// challenge, or settlement would refuse it.
			ack := types.Acknowledgement{Response: agg.Response}
			require.True(ack.ResolvesChallenge(agg.Ticket.Challenge))
		})
	}
}

func TestAggregateMixedTickets(t *testing.T) {
	require := require.New(t)

	half, err := types.WinProbFromFloat(0.5)
	require.NoError(err)

	held := []tickets.Acknowledged{
		{Ticket: types.Ticket{Epoch: 1, Index: 3, IndexSpan: 1, Amount: 1000, WinProb: half, Signature: []byte{3}}},
		{Ticket: types.Ticket{Epoch: 1, Index: 0, IndexSpan: 1, Amount: 100, WinProb: types.WinProbAlways, Signature: []byte{0}}},
		{Ticket: types.Ticket{Epoch: 1, Index: 1, IndexSpan: 2, Amount: 500, WinProb: half, Signature: []byte{1}}},
	}
	var evSum types.Balance
	for i := range held {
		evSum += held[i].Ticket.EV()
	}

	agg, err := combine(held)
	require.NoError(err)
	require.Equal(types.Balance(1600), agg.Ticket.Amount)
	require.Equal(uint64(0), agg.Ticket.Index)
	require.Equal(uint32(4), agg.Ticket.IndexSpan)

	got := agg.Ticket.EV()
	require.LessOrEqual(got, evSum)
	require.LessOrEqual(evSum-got, types.Balance(1))
}

func TestAggregateThreshold(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 1000, &Config{Threshold: 3, CheckInterval: 25 * time.Millisecond})

	for i := 0; i < 3; i++ {
		r.issueAccepted(t, 100)
	}

	outcome, err := retry.Poll(context.Background(), fastPoll(), func(context.Context) (bool, error) {
		stats, err := r.ledger.StatsFor(r.id)
		if err != nil {
			return false, err
		}
		return stats.UnredeemedCount == 1, nil
	})
	require.NoError(err)
	require.Equal(retry.Converged, outcome)

	stats, err := r.ledger.StatsFor(r.id)
	require.NoError(err)
	require.Equal(types.Balance(300), stats.UnredeemedValue)
}

func TestAggregateExclusion(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 1000, nil)

	for i := 0; i < 2; i++ {
		r.issueAccepted(t, 100)
	}

	require.NoError(r.leases.Acquire(r.id, tickets.LeaseRedemption))
	_, err := r.agg.Aggregate(r.id)
	require.ErrorIs(err, types.ErrRedemptionInProgress)

	r.leases.Release(r.id)
	outcome, err := r.agg.Aggregate(r.id)
	require.NoError(err)
	require.Equal(Aggregated, outcome)
}

func TestAggregateEmpty(t *testing.T) {
	require := require.New(t)
	r := newRig(t, 1000, nil)

	outcome, err := r.agg.Aggregate(r.id)
	require.NoError(err)
	require.Equal(NothingToAggregate, outcome)

	_, err = r.agg.Aggregate(types.ChannelID{0xff})
	require.ErrorIs(err, types.ErrChannelNotFound)
}
