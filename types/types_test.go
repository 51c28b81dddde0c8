// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"testing"

	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/require"
)

func TestBalanceArithmetic(t *testing.T) {
	require := require.New(t)

	t.Run("add", func(t *testing.T) {
		sum, err := Balance(2).Add(3)
		require.NoError(err)
		require.Equal(Balance(5), sum)

		_, err = MaxBalance.Add(1)
		require.ErrorIs(err, ErrBalanceOverflow)
	})

	t.Run("sub", func(t *testing.T) {
		d, err := Balance(5).Sub(3)
		require.NoError(err)
		require.Equal(Balance(2), d)

		_, err = Balance(3).Sub(5)
		require.ErrorIs(err, ErrBalanceUnderflow)
	})

	t.Run("satsub", func(t *testing.T) {
		require.Equal(Balance(0), Balance(3).SatSub(5))
		require.Equal(Balance(2), Balance(5).SatSub(3))
	})

	t.Run("mul", func(t *testing.T) {
		p, err := Balance(100).Mul(3)
		require.NoError(err)
		require.Equal(Balance(300), p)

		_, err = MaxBalance.Mul(2)
		require.ErrorIs(err, ErrBalanceOverflow)

		z, err := Balance(0).Mul(7)
		require.NoError(err)
		require.Equal(Balance(0), z)
	})
}

func TestBalanceRendering(t *testing.T) {
	require := require.New(t)

	require.Equal("100 wxHOPR", Balance(100).String())
	require.Equal("42 xDai", FormatUnits(42, UnitNative))

	b, err := ParseBalance("100 wxHOPR")
	require.NoError(err)
	require.Equal(Balance(100), b)

	b, err = ParseBalance("7")
	require.NoError(err)
	require.Equal(Balance(7), b)

	_, err = ParseBalance("not a number")
	require.Error(err)

	_, err = ParseBalance("")
	require.Error(err)
}

func TestAddress(t *testing.T) {
	require := require.New(t)

	scheme := signSchemes.ByName("Ed25519")
	pub, _, err := scheme.GenerateKey()
	require.NoError(err)

	addr := AddressFromPublicKey(pub)
	require.False(addr.IsZero())

	t.Run("stable derivation", func(t *testing.T) {
		require.Equal(addr, AddressFromPublicKey(pub))
	})

	t.Run("rendering", func(t *testing.T) {
		s := addr.String()
		require.Len(s, 2+2*AddressSize)
		require.Equal("0x", s[:2])

		parsed, err := ParseAddress(s)
		require.NoError(err)
		require.Equal(addr, parsed)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseAddress("0x1234")
		require.Error(err)
		_, err = ParseAddress("0x" + string(make([]byte, 40)))
		require.Error(err)
	})

	t.Run("distinct keys distinct addresses", func(t *testing.T) {
		otherPub, _, err := scheme.GenerateKey()
		require.NoError(err)
		require.NotEqual(addr, AddressFromPublicKey(otherPub))
	})
}

func TestChannelID(t *testing.T) {
	require := require.New(t)

	var src, dst Address
	src[0] = 1
	dst[0] = 2

	id := NewChannelID(src, dst)
	require.Equal(id, NewChannelID(src, dst))

	t.Run("direction matters", func(t *testing.T) {
		require.NotEqual(id, NewChannelID(dst, src))
	})

	t.Run("rendering", func(t *testing.T) {
		parsed, err := ParseChannelID(id.String())
		require.NoError(err)
		require.Equal(id, parsed)
	})
}

func TestChannelStatus(t *testing.T) {
	require := require.New(t)

	require.Equal("Closed", ChannelClosed.String())
	require.Equal("Open", ChannelOpen.String())
	require.Equal("PendingToClose", ChannelPendingToClose.String())

	open := &ChannelEntry{Status: ChannelOpen}
	require.True(open.IsOpen())
	require.True(open.AcceptsRedemption())

	pending := &ChannelEntry{Status: ChannelPendingToClose}
	require.False(pending.IsOpen())
	require.True(pending.AcceptsRedemption())

	closed := &ChannelEntry{Status: ChannelClosed}
	require.False(closed.IsOpen())
	require.False(closed.AcceptsRedemption())
}

func TestTagReservedRange(t *testing.T) {
	require := require.New(t)

	require.True(Tag(0).Reserved())
	require.True(Tag(1023).Reserved())
	require.False(Tag(1024).Reserved())
	require.False(Tag(65535).Reserved())
}

func TestStatisticsMerge(t *testing.T) {
	require := require.New(t)

	a := &TicketStatistics{UnredeemedValue: 10, UnredeemedCount: 1, RedeemedValue: 5, RedeemedCount: 1}
	b := &TicketStatistics{UnredeemedValue: 20, UnredeemedCount: 2, RejectedValue: 3, RejectedCount: 1, WinningCount: 1}

	a.Merge(b)
	require.Equal(Balance(30), a.UnredeemedValue)
	require.Equal(uint64(3), a.UnredeemedCount)
	require.Equal(Balance(5), a.RedeemedValue)
	require.Equal(Balance(3), a.RejectedValue)
	require.Equal(uint64(1), a.WinningCount)
}
