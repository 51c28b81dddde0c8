// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package inbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/types"
)

const testTag = types.Tag(4096)

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)
	return backend
}

func testInbox(t *testing.T, capacity int) *Inbox {
	ib, err := New(t.TempDir(), capacity, testBackend(t))
	require.NoError(t, err)
	t.Cleanup(ib.Close)
	return ib
}

func TestInboxPushPop(t *testing.T) {
	require := require.New(t)
	ib := testInbox(t, 0)

	for i := 0; i < 3; i++ {
		require.NoError(ib.Push(testTag, []byte(fmt.Sprintf("msg %d", i))))
	}
	n, err := ib.Size(testTag)
	require.NoError(err)
	require.Equal(3, n)

	for i := 0; i < 3; i++ {
		msg, err := ib.Pop(testTag)
		require.NoError(err)
		require.NotNil(msg)
		require.Equal([]byte(fmt.Sprintf("msg %d", i)), msg.Payload)
		require.False(msg.ReceivedAt.IsZero())
	}

	msg, err := ib.Pop(testTag)
	require.NoError(err)
	require.Nil(msg)
}

func TestInboxPeek(t *testing.T) {
	require := require.New(t)
	ib := testInbox(t, 0)

	require.NoError(ib.Push(testTag, []byte("early")))
	time.Sleep(5 * time.Millisecond)
	since := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(ib.Push(testTag, []byte("late 1")))
	require.NoError(ib.Push(testTag, []byte("late 2")))

	t.Run("peek does not remove", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			msg, err := ib.Peek(testTag)
			require.NoError(err)
			require.NotNil(msg)
			require.Equal([]byte("early"), msg.Payload)
		}
		n, err := ib.Size(testTag)
		require.NoError(err)
		require.Equal(3, n)
	})

	t.Run("peek all since", func(t *testing.T) {
		msgs, err := ib.PeekAll(testTag, since)
		require.NoError(err)
		require.Len(msgs, 2)
		require.Equal([]byte("late 1"), msgs[0].Payload)
		require.Equal([]byte("late 2"), msgs[1].Payload)

		all, err := ib.PeekAll(testTag, time.Time{})
		require.NoError(err)
		require.Len(all, 3)
	})
}

func TestInboxTags(t *testing.T) {
	require := require.New(t)
	ib := testInbox(t, 0)

	other := types.Tag(5000)
	require.NoError(ib.Push(testTag, []byte("a")))
	require.NoError(ib.Push(other, []byte("b")))
	require.NoError(ib.Push(testTag, []byte("c")))

	msgs, err := ib.PopAll(testTag)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal([]byte("a"), msgs[0].Payload)
	require.Equal([]byte("c"), msgs[1].Payload)

	// The other tag is untouched.
	n, err := ib.Size(other)
	require.NoError(err)
	require.Equal(1, n)

	msgs, err = ib.PopAll(testTag)
	require.NoError(err)
	require.Empty(msgs)
}

func TestInboxReservedTags(t *testing.T) {
	require := require.New(t)
	ib := testInbox(t, 0)

	reserved := types.Tag(7)
	require.ErrorIs(ib.Push(reserved, []byte("x")), types.ErrReservedTag)
	_, err := ib.Pop(reserved)
	require.ErrorIs(err, types.ErrReservedTag)
	_, err = ib.PopAll(reserved)
	require.ErrorIs(err, types.ErrReservedTag)
	_, err = ib.Peek(reserved)
	require.ErrorIs(err, types.ErrReservedTag)
	_, err = ib.PeekAll(reserved, time.Time{})
	require.ErrorIs(err, types.ErrReservedTag)
	_, err = ib.Size(reserved)
	require.ErrorIs(err, types.ErrReservedTag)
}

func TestInboxEviction(t *testing.T) {
	require := require.New(t)
	ib := testInbox(t, 4)

	for i := 0; i < 6; i++ {
		require.NoError(ib.Push(testTag, []byte(fmt.Sprintf("msg %d", i))))
	}
	n, err := ib.Size(testTag)
	require.NoError(err)
	require.Equal(4, n)

	// The two oldest entries were evicted.
	msg, err := ib.Pop(testTag)
	require.NoError(err)
	require.Equal([]byte("msg 2"), msg.Payload)
}

func TestInboxPersistence(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	backend := testBackend(t)

	ib, err := New(dir, 0, backend)
	require.NoError(err)
	require.NoError(ib.Push(testTag, []byte("durable")))
	ib.Close()

	ib, err = New(dir, 0, backend)
	require.NoError(err)
	t.Cleanup(ib.Close)

	msg, err := ib.Pop(testTag)
	require.NoError(err)
	require.NotNil(msg)
	require.Equal([]byte("durable"), msg.Payload)
}
