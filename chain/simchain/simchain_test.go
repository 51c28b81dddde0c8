// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package simchain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/types"
)

func testAddress(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)
	return backend
}

func newTestChain(t *testing.T, lag time.Duration) *Chain {
	c := New(Config{
		TicketPrice:        100,
		GasFee:             1,
		ClosureGracePeriod: 150 * time.Millisecond,
		IndexingLag:        lag,
	}, testBackend(t))
	t.Cleanup(c.Halt)
	return c
}

func fastPoll() retry.PollConfig {
	return retry.PollConfig{
		MaxAttempts: 100,
		BaseDelay:   2 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Jitter:      0,
	}
}

func TestOpenAndFund(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 30*time.Millisecond)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 10000, SafeHoprAllowance: 10000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	id, err := c.OpenChannel(ctx, src, dst, 400)
	require.NoError(err)

	entry, err := c.GetChannel(ctx, id)
	require.NoError(err)
	require.Equal(types.ChannelOpen, entry.Status)
	require.Equal(types.Balance(400), entry.Balance)
	require.Equal(uint32(1), entry.Epoch)

	t.Run("channel balance immediate", func(t *testing.T) {
		require.NoError(c.FundChannel(ctx, id, 100))
		entry, err := c.GetChannel(ctx, id)
		require.NoError(err)
		require.Equal(types.Balance(500), entry.Balance)

		// A second fund lands on top, again without waiting on the indexer.
		require.NoError(c.FundChannel(ctx, id, 100))
		entry, err = c.GetChannel(ctx, id)
		require.NoError(err)
		require.Equal(types.Balance(600), entry.Balance)
	})

	t.Run("safe balance eventual", func(t *testing.T) {
		outcome, err := retry.Poll(ctx, fastPoll(), func(ctx context.Context) (bool, error) {
			b, err := c.Balances(ctx, src)
			if err != nil {
				return false, err
			}
			return b.SafeHopr == 10000-600 && b.SafeHoprAllowance == 10000-600, nil
		})
		require.NoError(err)
		require.Equal(retry.Converged, outcome)
	})

	t.Run("gas charged", func(t *testing.T) {
		b, err := c.Balances(ctx, src)
		require.NoError(err)
		require.Less(uint64(b.Native), uint64(1000))
	})

	t.Run("double open rejected", func(t *testing.T) {
		_, err := c.OpenChannel(ctx, src, dst, 100)
		require.ErrorIs(err, types.ErrChannelAlreadyOpen)
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := c.OpenChannel(ctx, src, testAddress(9), 0)
		require.ErrorIs(err, types.ErrInsufficientFunds)
	})

	t.Run("overdraft rejected", func(t *testing.T) {
		_, err := c.OpenChannel(ctx, src, testAddress(9), 1<<62)
		require.ErrorIs(err, types.ErrInsufficientFunds)
	})
}

func TestCloseFromDestination(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 0)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	id, err := c.OpenChannel(ctx, src, dst, 300)
	require.NoError(err)

	status, err := c.CloseChannel(ctx, id, dst)
	require.NoError(err)
	require.Equal(types.ChannelClosed, status)

	entry, err := c.GetChannel(ctx, id)
	require.NoError(err)
	require.Equal(types.ChannelClosed, entry.Status)
	require.Equal(types.Balance(0), entry.Balance)

	t.Run("residual returns to source safe", func(t *testing.T) {
		b, err := c.Balances(ctx, src)
		require.NoError(err)
		require.Equal(types.Balance(1000), b.SafeHopr)
	})

	t.Run("closing a closed channel fails", func(t *testing.T) {
		_, err := c.CloseChannel(ctx, id, dst)
		require.ErrorIs(err, types.ErrChannelNotOpen)
	})
}

func TestCloseFromSource(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 0)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	id, err := c.OpenChannel(ctx, src, dst, 300)
	require.NoError(err)

	status, err := c.CloseChannel(ctx, id, src)
	require.NoError(err)
	require.Equal(types.ChannelPendingToClose, status)

	t.Run("early finalization rejected", func(t *testing.T) {
		_, err := c.CloseChannel(ctx, id, src)
		require.ErrorIs(err, types.ErrClosureTimeNotElapsed)
	})

	t.Run("finalization after grace period", func(t *testing.T) {
		time.Sleep(200 * time.Millisecond)
		status, err := c.CloseChannel(ctx, id, src)
		require.NoError(err)
		require.Equal(types.ChannelClosed, status)
	})

	t.Run("funding a closed channel fails", func(t *testing.T) {
		require.ErrorIs(c.FundChannel(ctx, id, 10), types.ErrChannelNotOpen)
	})
}

func TestReopenBumpsEpoch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 0)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	id, err := c.OpenChannel(ctx, src, dst, 100)
	require.NoError(err)
	_, err = c.CloseChannel(ctx, id, dst)
	require.NoError(err)

	reopened, err := c.OpenChannel(ctx, src, dst, 100)
	require.NoError(err)
	require.Equal(id, reopened)

	entry, err := c.GetChannel(ctx, id)
	require.NoError(err)
	require.Equal(uint32(2), entry.Epoch)
	require.Equal(uint64(0), entry.TicketIndex)
}

func signedTestTicket(id types.ChannelID, epoch uint32, index uint64, amount types.Balance, secret []byte) (*types.Ticket, [32]byte) {
	response := blake2b.Sum256(secret)
	t := &types.Ticket{
		ChannelID: id,
		Epoch:     epoch,
		Index:     index,
		IndexSpan: 1,
		Amount:    amount,
		WinProb:   types.WinProbAlways,
		Challenge: blake2b.Sum256(response[:]),
		Signature: []byte{1}, // simchain does not check issuer signatures
	}
	return t, response
}

func TestSubmitRedemption(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 0)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	id, err := c.OpenChannel(ctx, src, dst, 500)
	require.NoError(err)

	tkt, response := signedTestTicket(id, 1, 0, 200, []byte("s0"))
	require.NoError(c.SubmitRedemption(ctx, dst, tkt, response))

	entry, err := c.GetChannel(ctx, id)
	require.NoError(err)
	require.Equal(types.Balance(300), entry.Balance)
	require.Equal(uint64(1), entry.TicketIndex)

	t.Run("redeemer safe credited", func(t *testing.T) {
		b, err := c.Balances(ctx, dst)
		require.NoError(err)
		require.Equal(types.Balance(200), b.SafeHopr)
	})

	t.Run("replayed index rejected", func(t *testing.T) {
		replay, response := signedTestTicket(id, 1, 0, 100, []byte("s0b"))
		require.ErrorIs(c.SubmitRedemption(ctx, dst, replay, response), types.ErrDuplicateTicketIndex)
	})

	t.Run("stale epoch rejected", func(t *testing.T) {
		stale, response := signedTestTicket(id, 0, 5, 100, []byte("s1"))
		require.ErrorIs(c.SubmitRedemption(ctx, dst, stale, response), types.ErrStaleEpoch)
	})

	t.Run("bad proof rejected", func(t *testing.T) {
		bad, _ := signedTestTicket(id, 1, 6, 100, []byte("s2"))
		var wrong [32]byte
		require.ErrorIs(c.SubmitRedemption(ctx, dst, bad, wrong), types.ErrInvalidAcknowledgement)
	})

	t.Run("amount above channel balance rejected", func(t *testing.T) {
		big, response := signedTestTicket(id, 1, 7, 10000, []byte("s3"))
		require.ErrorIs(c.SubmitRedemption(ctx, dst, big, response), types.ErrExceedsChannelBalance)
	})

	t.Run("only destination redeems", func(t *testing.T) {
		tkt, response := signedTestTicket(id, 1, 8, 10, []byte("s4"))
		require.Error(c.SubmitRedemption(ctx, src, tkt, response))
	})

	t.Run("pending closure still redeems", func(t *testing.T) {
		_, err := c.CloseChannel(ctx, id, src)
		require.NoError(err)
		tkt, response := signedTestTicket(id, 1, 9, 50, []byte("s5"))
		require.NoError(c.SubmitRedemption(ctx, dst, tkt, response))
	})
}

func TestWithdraw(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 20*time.Millisecond)
	node := testAddress(1)
	safe := testAddress(7)
	c.Register(node, chain.AccountBalances{Native: 1000, SafeHopr: 500})
	c.Register(safe, chain.AccountBalances{})

	require.NoError(c.Withdraw(ctx, node, chain.CurrencyNative, 300, safe))

	outcome, err := retry.Poll(ctx, fastPoll(), func(ctx context.Context) (bool, error) {
		b, err := c.Balances(ctx, safe)
		if err != nil {
			return false, err
		}
		return b.SafeNative == 300, nil
	})
	require.NoError(err)
	require.Equal(retry.Converged, outcome)

	b, err := c.Balances(ctx, node)
	require.NoError(err)
	require.Less(uint64(b.Native), uint64(1000-300+1))

	t.Run("overdraft", func(t *testing.T) {
		require.ErrorIs(c.Withdraw(ctx, node, chain.CurrencyNative, 1<<40, safe), types.ErrInsufficientFunds)
	})
}

func TestOutage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := newTestChain(t, 0)
	src := testAddress(1)
	c.Register(src, chain.AccountBalances{Native: 100, SafeHopr: 100, SafeHoprAllowance: 100})

	c.SetAvailable(false)
	_, err := c.OpenChannel(ctx, src, testAddress(2), 10)
	require.ErrorIs(err, types.ErrSettlementUnavailable)
	require.True(retry.IsTransientError(err))

	_, err = c.TicketPrice(ctx)
	require.ErrorIs(err, types.ErrSettlementUnavailable)

	c.SetAvailable(true)
	_, err = c.TicketPrice(ctx)
	require.NoError(err)
}
