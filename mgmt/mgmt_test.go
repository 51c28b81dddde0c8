// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package mgmt

import (
	"net"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"

	"github.com/kauki-labs/hoprnet/core/log"
)

func testServer(t *testing.T) (*Server, string) {
	backend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "mgmt.sock")
	s, err := New(&Config{
		Net:         "unix",
		Addr:        socket,
		ServiceName: "hoprd-test",
		LogModule:   "mgmt",
		NewLoggerFn: backend.GetLogger,
	})
	require.NoError(t, err)
	return s, socket
}

func dial(t *testing.T, socket string) *textproto.Conn {
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	c := textproto.NewConn(conn)
	t.Cleanup(func() { c.Close() })

	_, banner, err := c.ReadCodeLine(int(StatusServiceReady))
	require.NoError(t, err)
	require.Contains(t, banner, "hoprd-test")
	return c
}

func TestServerCommands(t *testing.T) {
	require := require.New(t)

	s, socket := testServer(t)
	s.RegisterCommand("PING", func(c *Conn, l string) error {
		return c.WriteReply(StatusOk)
	})
	s.RegisterCommand("ECHO", func(c *Conn, l string) error {
		sp := strings.Split(l, " ")
		if len(sp) != 2 {
			return c.WriteReply(StatusSyntaxError)
		}
		return c.Writer().PrintfLine("%v %v", StatusOk, sp[1])
	})
	s.RegisterCommand("WHO", func(c *Conn, l string) error {
		return c.WriteData(map[string]string{"name": "hoprd"})
	})
	require.NoError(s.Start())
	t.Cleanup(s.Halt)

	c := dial(t, socket)

	t.Run("plain reply", func(t *testing.T) {
		require.NoError(c.PrintfLine("PING"))
		_, _, err := c.ReadCodeLine(int(StatusOk))
		require.NoError(err)
	})

	t.Run("argument dispatch", func(t *testing.T) {
		require.NoError(c.PrintfLine("ECHO hello"))
		_, msg, err := c.ReadCodeLine(int(StatusOk))
		require.NoError(err)
		require.Equal("hello", msg)

		require.NoError(c.PrintfLine("echo lowered"))
		_, msg, err = c.ReadCodeLine(int(StatusOk))
		require.NoError(err)
		require.Equal("lowered", msg)
	})

	t.Run("syntax error", func(t *testing.T) {
		require.NoError(c.PrintfLine("ECHO"))
		_, _, err := c.ReadCodeLine(int(StatusSyntaxError))
		require.NoError(err)
	})

	t.Run("data reply", func(t *testing.T) {
		require.NoError(c.PrintfLine("WHO"))
		_, _, err := c.ReadCodeLine(int(StatusOk))
		require.NoError(err)

		body, err := c.ReadDotBytes()
		require.NoError(err)

		var got map[string]string
		dec := codec.NewDecoderBytes(body, &jsonHandle)
		require.NoError(dec.Decode(&got))
		require.Equal("hoprd", got["name"])
	})

	t.Run("unknown command", func(t *testing.T) {
		require.NoError(c.PrintfLine("NONSENSE"))
		_, _, err := c.ReadCodeLine(int(StatusUnknownCommand))
		require.NoError(err)
	})

	t.Run("quit", func(t *testing.T) {
		require.NoError(c.PrintfLine("QUIT"))
		_, _, err := c.ReadCodeLine(int(StatusOk))
		require.NoError(err)

		_, err = c.ReadLine()
		require.Error(err)
	})
}

func TestServerHalt(t *testing.T) {
	require := require.New(t)

	s, socket := testServer(t)
	require.NoError(s.Start())

	c := dial(t, socket)
	s.Halt()

	_, err := c.ReadLine()
	require.Error(err)
}
