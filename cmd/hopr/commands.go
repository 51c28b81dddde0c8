// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"
)

func newAddressesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "Show the node's settlement address and identity key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData("ADDRESSES")
		},
	}
}

func newBalancesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show the node's native and safe balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData("BALANCES")
		},
	}
}

func newChannelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the payment channels the node participates in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData("CHANNELS")
		},
	}
}

func newOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open <destination> <amount>",
		Short: "Open an outgoing channel and print its identifier",
		Long: `Open a payment channel towards the given node, staking the amount from
the safe balance.  The channel funds the tickets the node issues when it
routes messages through the destination.`,
		Example: `  hopr -s hoprd.sock open 0x1f9840a85d5af5bf1d1762f925bdaddc4201f984 1000`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("OPEN_CHANNEL %v %v", args[0], args[1])
		},
	}
}

func newFundCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fund <channel> <amount>",
		Short: "Move additional stake into an outgoing channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOk("FUND_CHANNEL %v %v", args[0], args[1])
		},
	}
}

func newCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <channel>",
		Short: "Close a channel and print the resulting state",
		Long: `Close a payment channel.  Closing an outgoing channel is a two step
affair: the first close starts the grace period that gives the
destination time to redeem, a second close after the period finalizes
it.  Closing an incoming channel takes effect immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("CLOSE_CHANNEL %v", args[0])
		},
	}
}

func newTicketsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets [channel]",
		Short: "Show ticket statistics, node wide or for one channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runData("TICKET_STATS %v", args[0])
			}
			return runData("TICKET_STATS")
		},
	}
}

func newChannelTicketsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channel-tickets <channel>",
		Short: "List the unredeemed tickets held for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData("CHANNEL_TICKETS %v", args[0])
		},
	}
}

func newAggregateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate <channel>",
		Short: "Fold a channel's unredeemed tickets into a single ticket",
		Long: `Replace the unredeemed tickets held for a channel with one equivalent
ticket, preserving the total expected value.  Aggregation cuts the
per-ticket settlement cost of a later redemption.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLine("AGGREGATE_CHANNEL %v", args[0])
		},
	}
}

func newRedeemCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem [channel]",
		Short: "Redeem winning tickets, node wide or for one channel",
		Example: `  # Redeem a single channel
  hopr -s hoprd.sock redeem <channel>

  # Redeem across all channels
  hopr -s hoprd.sock redeem`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runData("REDEEM_CHANNEL %v", args[0])
			}
			return runData("REDEEM_ALL")
		},
	}
}

func newPriceCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Show the network ticket price and the node's winning probability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh {
				return runData("TICKET_PRICE REFRESH")
			}
			return runData("TICKET_PRICE")
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-fetch the price from the settlement layer first")

	return cmd
}

func newWithdrawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <currency> <amount> <to>",
		Short: "Withdraw hopr or native funds to another address",
		Example: `  hopr -s hoprd.sock withdraw hopr 500 0x7a250d5630b4cf539739df2c5dacb4c659f2488d`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOk("WITHDRAW %v %v %v", args[0], args[1], args[2])
		},
	}
}

func newSendCommand() *cobra.Command {
	var inputFile string

	cmd := &cobra.Command{
		Use:   "send <tag> <hop1,hop2,...>",
		Short: "Send a message along a route of relay hops",
		Long: `Send a message over the relay mesh.  The route names every hop in
order, the last one being the recipient; each intermediate hop is paid
with a ticket on the matching outgoing channel.  The payload is read
from stdin unless --file is given.`,
		Example: `  # One relay hop, payload from stdin
  echo "hello" | hopr -s hoprd.sock send 4242 <relay>,<recipient>

  # Direct message, payload from a file
  hopr -s hoprd.sock send 4242 <recipient> -f note.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args[0], args[1], inputFile)
		},
	}

	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "payload file (default: stdin)")

	return cmd
}

func newPopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pop <tag>",
		Short: "Take the oldest inbox message for a tag and print its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInbox("INBOX_POP", args[0])
		},
	}
}

func newPeekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peek <tag>",
		Short: "Print the oldest inbox message for a tag without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInbox("INBOX_PEEK", args[0])
		},
	}
}

func runSend(tag, route, inputFile string) error {
	var input io.Reader = os.Stdin
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file: %v", err)
		}
		defer f.Close()
		input = f
	}
	payload, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("failed to read input: %v", err)
	}

	return runOk("SEND %v %v %v", tag, route, base64.StdEncoding.EncodeToString(payload))
}

// inboxMessage mirrors the management wire shape of a delivered message.
type inboxMessage struct {
	Payload    string
	ReceivedAt string
}

// runInbox fetches zero or one messages.  The payload goes to stdout,
// everything else to stderr, so the output pipes cleanly.
func runInbox(wireCmd, tag string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	body, err := c.data("%v %v", wireCmd, tag)
	if err != nil {
		return err
	}
	var msgs []inboxMessage
	if err = codec.NewDecoderBytes(body, new(codec.JsonHandle)).Decode(&msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(os.Stderr, "No message.")
		return nil
	}

	payload, err := base64.StdEncoding.DecodeString(msgs[0].Payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Received at %v\n", msgs[0].ReceivedAt)
	_, err = os.Stdout.Write(payload)
	return err
}
