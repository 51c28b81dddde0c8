// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// hopr - the hoprd management tool.
//
// Every invocation dials the node's management socket, runs one command
// of the line oriented management protocol, and renders the reply.
package main

import (
	"fmt"
	"net"
	"net/textproto"
	"os"
	"reflect"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"

	"github.com/kauki-labs/hoprnet/common"
	"github.com/kauki-labs/hoprnet/mgmt"
)

var socketPath string

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hopr",
		Short: "hoprd node management tool",
		Long: `hopr drives a running hoprd node through its management socket.

It covers the channel lifecycle (open, fund, close), the ticket ledger
(statistics, aggregation, redemption), balances and withdrawals, and
sending and receiving messages over the relay mesh.  Data replies are
printed as JSON, so the output composes with jq and friends.`,
		Example: `  # Show the node's settlement address
  hopr -s /var/lib/hoprd/management.sock addresses

  # Open a channel worth 1000 wxHOPR towards a relay
  hopr -s /var/lib/hoprd/management.sock open 0x1f9840a85d5af5bf1d1762f925bdaddc4201f984 1000

  # Redeem everything and inspect the ledger afterwards
  hopr -s /var/lib/hoprd/management.sock redeem
  hopr -s /var/lib/hoprd/management.sock tickets`,
	}

	cmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"path to the hoprd management socket (required)")
	cmd.MarkPersistentFlagRequired("socket")

	cmd.AddCommand(
		newAddressesCommand(),
		newBalancesCommand(),
		newChannelsCommand(),
		newOpenCommand(),
		newFundCommand(),
		newCloseCommand(),
		newTicketsCommand(),
		newChannelTicketsCommand(),
		newAggregateCommand(),
		newRedeemCommand(),
		newPriceCommand(),
		newWithdrawCommand(),
		newSendCommand(),
		newPopCommand(),
		newPeekCommand(),
	)

	return cmd
}

// client speaks the management protocol over a fresh connection.
type client struct {
	c *textproto.Conn
}

func dial() (*client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%v': %v", socketPath, err)
	}
	c := textproto.NewConn(conn)
	if _, _, err = c.ReadCodeLine(int(mgmt.StatusServiceReady)); err != nil {
		c.Close()
		return nil, fmt.Errorf("unexpected banner: %v", err)
	}
	return &client{c: c}, nil
}

func (c *client) Close() {
	_ = c.c.PrintfLine("QUIT")
	_ = c.c.Close()
}

// line runs a command with a single line reply and returns the reply
// message.
func (c *client) line(format string, args ...interface{}) (string, error) {
	if err := c.c.PrintfLine(format, args...); err != nil {
		return "", err
	}
	_, msg, err := c.c.ReadCodeLine(int(mgmt.StatusOk))
	if err != nil {
		return "", err
	}
	return msg, nil
}

// data runs a command with a dot encoded data reply and returns the raw
// body.
func (c *client) data(format string, args ...interface{}) ([]byte, error) {
	if err := c.c.PrintfLine(format, args...); err != nil {
		return nil, err
	}
	if _, _, err := c.c.ReadCodeLine(int(mgmt.StatusOk)); err != nil {
		return nil, err
	}
	return c.c.ReadDotBytes()
}

// printJSON re-indents a data reply for display.
func printJSON(body []byte) error {
	jh := new(codec.JsonHandle)
	jh.MapType = reflect.TypeOf(map[string]interface{}(nil))
	jh.Canonical = true
	jh.Indent = 2

	var v interface{}
	if err := codec.NewDecoderBytes(body, jh).Decode(&v); err != nil {
		return err
	}
	if err := codec.NewEncoder(os.Stdout, jh).Encode(v); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

// runData runs a single data command and pretty prints the reply.
func runData(format string, args ...interface{}) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	body, err := c.data(format, args...)
	if err != nil {
		return err
	}
	return printJSON(body)
}

// runLine runs a single command and prints its reply message.
func runLine(format string, args ...interface{}) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	msg, err := c.line(format, args...)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

// runOk runs a single command and discards the boilerplate ok reply.
func runOk(format string, args ...interface{}) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.line(format, args...)
	return err
}
