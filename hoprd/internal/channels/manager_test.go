// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/chain/simchain"
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

func testChain(t *testing.T) *simchain.Chain {
	c := simchain.New(simchain.Config{
		TicketPrice:        100,
		GasFee:             1,
		ClosureGracePeriod: 150 * time.Millisecond,
	}, testBackend(t))
	t.Cleanup(c.Halt)
	return c
}

func testManager(t *testing.T, c *simchain.Chain, self types.Address, autoFinalize bool) *Manager {
	m, err := New(c, self, &Config{
		DataDir:      t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		AutoFinalize: autoFinalize,
	}, testBackend(t))
	require.NoError(t, err)
	t.Cleanup(m.Halt)
	return m
}

func fastPoll() retry.PollConfig {
	return retry.PollConfig{MaxAttempts: 200, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestManagerViews(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := testChain(t)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 10000, SafeHoprAllowance: 10000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	srcMgr := testManager(t, c, src, false)
	dstMgr := testManager(t, c, dst, false)

	id, err := srcMgr.Open(ctx, dst, 500)
	require.NoError(err)

	t.Run("own view immediate", func(t *testing.T) {
		entry, err := srcMgr.Lookup(id)
		require.NoError(err)
		require.Equal(types.ChannelOpen, entry.Status)
		require.Equal(types.Balance(500), entry.Balance)
		require.Len(srcMgr.Own(), 1)
		require.Empty(srcMgr.Incoming())
	})

	t.Run("incoming view eventual", func(t *testing.T) {
		outcome, err := retry.Poll(ctx, fastPoll(), func(context.Context) (bool, error) {
			_, err := dstMgr.Lookup(id)
			return err == nil, nil
		})
		require.NoError(err)
		require.Equal(retry.Converged, outcome)
		require.Len(dstMgr.Incoming(), 1)
		require.Empty(dstMgr.Own())
	})

	t.Run("fund updates cached balance", func(t *testing.T) {
		require.NoError(srcMgr.Fund(ctx, id, 250))
		entry, err := srcMgr.Lookup(id)
		require.NoError(err)
		require.Equal(types.Balance(750), entry.Balance)
	})

	t.Run("by pair", func(t *testing.T) {
		entry, err := srcMgr.ByPair(src, dst)
		require.NoError(err)
		require.Equal(id, entry.ID)
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := srcMgr.Lookup(types.NewChannelID(dst, src))
		require.ErrorIs(err, types.ErrChannelNotFound)
	})
}

func TestManagerCloseFlow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := testChain(t)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	srcMgr := testManager(t, c, src, false)
	dstMgr := testManager(t, c, dst, false)

	t.Run("destination close is immediate", func(t *testing.T) {
		id, err := srcMgr.Open(ctx, dst, 100)
		require.NoError(err)

		outcome, err := dstMgr.WaitStatus(ctx, id, types.ChannelOpen, fastPoll())
		require.NoError(err)
		require.Equal(retry.Converged, outcome)

		status, err := dstMgr.Close(ctx, id)
		require.NoError(err)
		require.Equal(types.ChannelClosed, status)
	})

	t.Run("source close needs the grace period", func(t *testing.T) {
		id, err := srcMgr.Open(ctx, dst, 100)
		require.NoError(err)

		status, err := srcMgr.Close(ctx, id)
		require.NoError(err)
		require.Equal(types.ChannelPendingToClose, status)

		_, err = srcMgr.Close(ctx, id)
		require.ErrorIs(err, types.ErrClosureTimeNotElapsed)

		time.Sleep(200 * time.Millisecond)
		status, err = srcMgr.Close(ctx, id)
		require.NoError(err)
		require.Equal(types.ChannelClosed, status)

		entry, err := srcMgr.Lookup(id)
		require.NoError(err)
		require.Equal(types.ChannelClosed, entry.Status)
	})
}

func TestManagerAutoFinalize(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := testChain(t)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	srcMgr := testManager(t, c, src, true)

	id, err := srcMgr.Open(ctx, dst, 100)
	require.NoError(err)

	status, err := srcMgr.Close(ctx, id)
	require.NoError(err)
	require.Equal(types.ChannelPendingToClose, status)

	outcome, err := srcMgr.WaitStatus(ctx, id, types.ChannelClosed, fastPoll())
	require.NoError(err)
	require.Equal(retry.Converged, outcome)
}

func TestManagerRestartRestoresView(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c := testChain(t)
	src := testAddress(1)
	dst := testAddress(2)
	c.Register(src, chain.AccountBalances{Native: 1000, SafeHopr: 1000, SafeHoprAllowance: 1000})
	c.Register(dst, chain.AccountBalances{Native: 1000})

	dataDir := t.TempDir()
	backend := testBackend(t)

	m, err := New(c, src, &Config{DataDir: dataDir, PollInterval: 20 * time.Millisecond}, backend)
	require.NoError(err)

	id, err := m.Open(ctx, dst, 321)
	require.NoError(err)
	m.Halt()

	// A poll interval far beyond the test's lifetime proves the entry
	// comes from the persisted view, not a fresh settlement fetch.
	restarted, err := New(c, src, &Config{DataDir: dataDir, PollInterval: time.Hour}, backend)
	require.NoError(err)
	defer restarted.Halt()

	entry, err := restarted.Lookup(id)
	require.NoError(err)
	require.Equal(types.Balance(321), entry.Balance)
	require.Equal(types.ChannelOpen, entry.Status)
}
