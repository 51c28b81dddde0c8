// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package hoprd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/hoprd/internal/glue"
	"github.com/kauki-labs/hoprnet/hoprd/internal/inbox"
	"github.com/kauki-labs/hoprnet/mgmt"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	cmdAddresses        = "ADDRESSES"
	cmdBalances         = "BALANCES"
	cmdChannels         = "CHANNELS"
	cmdOpenChannel      = "OPEN_CHANNEL"
	cmdFundChannel      = "FUND_CHANNEL"
	cmdCloseChannel     = "CLOSE_CHANNEL"
	cmdTicketStats      = "TICKET_STATS"
	cmdChannelTickets   = "CHANNEL_TICKETS"
	cmdAggregateChannel = "AGGREGATE_CHANNEL"
	cmdRedeemChannel    = "REDEEM_CHANNEL"
	cmdRedeemAll        = "REDEEM_ALL"
	cmdTicketPrice      = "TICKET_PRICE"
	cmdWithdraw         = "WITHDRAW"
	cmdSend             = "SEND"
	cmdInboxPop         = "INBOX_POP"
	cmdInboxPeek        = "INBOX_PEEK"
)

// Data reply shapes.  Identifiers travel as hex strings and payloads as
// base64, matching the settlement gateway wire conventions.
type addressesInfo struct {
	Address   string
	PublicKey string
}

type channelInfo struct {
	ID          string
	Source      string
	Destination string
	Balance     uint64
	TicketIndex uint64
	Epoch       uint32
	Status      string
	ClosureTime string
}

type ticketInfo struct {
	ChannelID string
	Epoch     uint32
	Index     uint64
	IndexSpan uint32
	Amount    uint64
	WinProb   float64
	Challenge string
}

type redeemInfo struct {
	Outcome string
	Value   uint64
	Count   int
}

type priceInfo struct {
	Price   uint64
	WinProb float64
}

type messageInfo struct {
	Payload    string
	ReceivedAt string
}

func channelToInfo(e *types.ChannelEntry) channelInfo {
	info := channelInfo{
		ID:          e.ID.String(),
		Source:      e.Source.String(),
		Destination: e.Destination.String(),
		Balance:     uint64(e.Balance),
		TicketIndex: e.TicketIndex,
		Epoch:       e.Epoch,
		Status:      e.Status.String(),
	}
	if !e.ClosureTime.IsZero() {
		info.ClosureTime = e.ClosureTime.UTC().Format(time.RFC3339)
	}
	return info
}

func ticketToInfo(t *types.Ticket) ticketInfo {
	return ticketInfo{
		ChannelID: t.ChannelID.String(),
		Epoch:     t.Epoch,
		Index:     t.Index,
		IndexSpan: t.IndexSpan,
		Amount:    uint64(t.Amount),
		WinProb:   t.WinProb.Float64(),
		Challenge: hex.EncodeToString(t.Challenge[:]),
	}
}

type mgmtHandlers struct {
	goo glue.Glue
}

// registerCommands binds the node's management command set to the
// control socket.
func registerCommands(goo glue.Glue) {
	h := &mgmtHandlers{goo: goo}
	m := goo.Management()
	m.RegisterCommand(cmdAddresses, h.onAddresses)
	m.RegisterCommand(cmdBalances, h.onBalances)
	m.RegisterCommand(cmdChannels, h.onChannels)
	m.RegisterCommand(cmdOpenChannel, h.onOpenChannel)
	m.RegisterCommand(cmdFundChannel, h.onFundChannel)
	m.RegisterCommand(cmdCloseChannel, h.onCloseChannel)
	m.RegisterCommand(cmdTicketStats, h.onTicketStats)
	m.RegisterCommand(cmdChannelTickets, h.onChannelTickets)
	m.RegisterCommand(cmdAggregateChannel, h.onAggregateChannel)
	m.RegisterCommand(cmdRedeemChannel, h.onRedeemChannel)
	m.RegisterCommand(cmdRedeemAll, h.onRedeemAll)
	m.RegisterCommand(cmdTicketPrice, h.onTicketPrice)
	m.RegisterCommand(cmdWithdraw, h.onWithdraw)
	m.RegisterCommand(cmdSend, h.onSend)
	m.RegisterCommand(cmdInboxPop, h.onInboxPop)
	m.RegisterCommand(cmdInboxPeek, h.onInboxPeek)
}

func (h *mgmtHandlers) onAddresses(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 1 {
		c.Log().Debugf("ADDRESSES invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	blob, err := h.goo.IdentityPublicKey().MarshalBinary()
	if err != nil {
		c.Log().Errorf("Failed to marshal identity key: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteData(&addressesInfo{
		Address:   h.goo.Address().String(),
		PublicKey: hex.EncodeToString(blob),
	})
}

func (h *mgmtHandlers) onBalances(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 1 {
		c.Log().Debugf("BALANCES invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	balances, err := h.goo.Settlement().Balances(context.Background(), h.goo.Address())
	if err != nil {
		c.Log().Errorf("Failed to fetch balances: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteData(&balances)
}

func (h *mgmtHandlers) onChannels(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 1 {
		c.Log().Debugf("CHANNELS invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	entries := h.goo.Channels().All()
	infos := make([]channelInfo, 0, len(entries))
	for i := range entries {
		infos = append(infos, channelToInfo(&entries[i]))
	}
	return c.WriteData(infos)
}

func (h *mgmtHandlers) onOpenChannel(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 3 {
		c.Log().Debugf("OPEN_CHANNEL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	dst, err := types.ParseAddress(sp[1])
	if err != nil {
		c.Log().Errorf("OPEN_CHANNEL invalid destination: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	amount, err := types.ParseBalance(sp[2])
	if err != nil {
		c.Log().Errorf("OPEN_CHANNEL invalid amount: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := h.goo.Channels().Open(context.Background(), dst, amount)
	if err != nil {
		c.Log().Errorf("Failed to open channel to %v: %v", dst, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.Writer().PrintfLine("%v %v", mgmt.StatusOk, id)
}

func (h *mgmtHandlers) onFundChannel(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 3 {
		c.Log().Debugf("FUND_CHANNEL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := types.ParseChannelID(sp[1])
	if err != nil {
		c.Log().Errorf("FUND_CHANNEL invalid channel: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	amount, err := types.ParseBalance(sp[2])
	if err != nil {
		c.Log().Errorf("FUND_CHANNEL invalid amount: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	if err = h.goo.Channels().Fund(context.Background(), id, amount); err != nil {
		c.Log().Errorf("Failed to fund channel %v: %v", id, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteReply(mgmt.StatusOk)
}

func (h *mgmtHandlers) onCloseChannel(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("CLOSE_CHANNEL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := types.ParseChannelID(sp[1])
	if err != nil {
		c.Log().Errorf("CLOSE_CHANNEL invalid channel: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	status, err := h.goo.Channels().Close(context.Background(), id)
	if err != nil {
		c.Log().Errorf("Failed to close channel %v: %v", id, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.Writer().PrintfLine("%v %v", mgmt.StatusOk, status)
}

func (h *mgmtHandlers) onTicketStats(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")

	var (
		stats types.TicketStatistics
		err   error
	)
	switch len(sp) {
	case 1:
		stats, err = h.goo.Ledger().Stats()
	case 2:
		var id types.ChannelID
		if id, err = types.ParseChannelID(sp[1]); err != nil {
			c.Log().Errorf("TICKET_STATS invalid channel: %v", err)
			return c.WriteReply(mgmt.StatusSyntaxError)
		}
		stats, err = h.goo.Ledger().StatsFor(id)
	default:
		c.Log().Debugf("TICKET_STATS invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	if err != nil {
		c.Log().Errorf("Failed to fetch ticket statistics: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteData(&stats)
}

func (h *mgmtHandlers) onChannelTickets(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("CHANNEL_TICKETS invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := types.ParseChannelID(sp[1])
	if err != nil {
		c.Log().Errorf("CHANNEL_TICKETS invalid channel: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	held, err := h.goo.Ledger().TicketsFor(id)
	if err != nil {
		c.Log().Errorf("Failed to list tickets of %v: %v", id, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	infos := make([]ticketInfo, 0, len(held))
	for i := range held {
		infos = append(infos, ticketToInfo(&held[i]))
	}
	return c.WriteData(infos)
}

func (h *mgmtHandlers) onAggregateChannel(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("AGGREGATE_CHANNEL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := types.ParseChannelID(sp[1])
	if err != nil {
		c.Log().Errorf("AGGREGATE_CHANNEL invalid channel: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	outcome, err := h.goo.Aggregator().Aggregate(id)
	if err != nil {
		c.Log().Errorf("Failed to aggregate channel %v: %v", id, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.Writer().PrintfLine("%v %v", mgmt.StatusOk, outcome)
}

func (h *mgmtHandlers) onRedeemChannel(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("REDEEM_CHANNEL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	id, err := types.ParseChannelID(sp[1])
	if err != nil {
		c.Log().Errorf("REDEEM_CHANNEL invalid channel: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	res, err := h.goo.Redemption().RedeemChannel(context.Background(), id)
	if err != nil {
		c.Log().Errorf("Failed to redeem channel %v: %v", id, err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteData(&redeemInfo{
		Outcome: res.Outcome.String(),
		Value:   uint64(res.Value),
		Count:   res.Count,
	})
}

func (h *mgmtHandlers) onRedeemAll(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 1 {
		c.Log().Debugf("REDEEM_ALL invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	res, err := h.goo.Redemption().RedeemAll(context.Background())
	if err != nil {
		c.Log().Errorf("Failed to redeem: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteData(&redeemInfo{
		Outcome: res.Outcome.String(),
		Value:   uint64(res.Value),
		Count:   res.Count,
	})
}

func (h *mgmtHandlers) onTicketPrice(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	switch {
	case len(sp) == 1:
	case len(sp) == 2 && sp[1] == "REFRESH":
		if err := h.goo.Issuer().RefreshPrice(context.Background()); err != nil {
			c.Log().Errorf("Failed to refresh ticket price: %v", err)
			return c.WriteReply(mgmt.StatusTransactionFailed)
		}
	default:
		c.Log().Debugf("TICKET_PRICE invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	return c.WriteData(&priceInfo{
		Price:   uint64(h.goo.Issuer().Price()),
		WinProb: h.goo.Issuer().WinProb().Float64(),
	})
}

func (h *mgmtHandlers) onWithdraw(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 4 {
		c.Log().Debugf("WITHDRAW invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	currency, err := chain.ParseCurrency(sp[1])
	if err != nil {
		c.Log().Errorf("WITHDRAW invalid currency: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	amount, err := types.ParseBalance(sp[2])
	if err != nil {
		c.Log().Errorf("WITHDRAW invalid amount: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	to, err := types.ParseAddress(sp[3])
	if err != nil {
		c.Log().Errorf("WITHDRAW invalid recipient: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	err = h.goo.Settlement().Withdraw(context.Background(), h.goo.Address(), currency, amount, to)
	if err != nil {
		c.Log().Errorf("Failed to withdraw: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteReply(mgmt.StatusOk)
}

func (h *mgmtHandlers) onSend(c *mgmt.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 4 {
		c.Log().Debugf("SEND invalid syntax: '%v'", l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	rawTag, err := strconv.ParseUint(sp[1], 10, 16)
	if err != nil {
		c.Log().Errorf("SEND invalid tag: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}
	hops := strings.Split(sp[2], ",")
	route := make([]types.Address, 0, len(hops))
	for _, hop := range hops {
		addr, err := types.ParseAddress(hop)
		if err != nil {
			c.Log().Errorf("SEND invalid hop: %v", err)
			return c.WriteReply(mgmt.StatusSyntaxError)
		}
		route = append(route, addr)
	}
	payload, err := base64.StdEncoding.DecodeString(sp[3])
	if err != nil {
		c.Log().Errorf("SEND invalid payload: %v", err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	if err = h.goo.Relay().SendMessage(context.Background(), route, types.Tag(rawTag), payload); err != nil {
		c.Log().Errorf("Failed to send message: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	return c.WriteReply(mgmt.StatusOk)
}

func (h *mgmtHandlers) onInboxPop(c *mgmt.Conn, l string) error {
	return h.doInbox(c, l, cmdInboxPop, h.goo.Inbox().Pop)
}

func (h *mgmtHandlers) onInboxPeek(c *mgmt.Conn, l string) error {
	return h.doInbox(c, l, cmdInboxPeek, h.goo.Inbox().Peek)
}

// doInbox replies with zero or one messages so the empty inbox is an
// ordinary data reply, not a failure.
func (h *mgmtHandlers) doInbox(c *mgmt.Conn, l, cmd string, fetch func(types.Tag) (*inbox.Message, error)) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("%v invalid syntax: '%v'", cmd, l)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	rawTag, err := strconv.ParseUint(sp[1], 10, 16)
	if err != nil {
		c.Log().Errorf("%v invalid tag: %v", cmd, err)
		return c.WriteReply(mgmt.StatusSyntaxError)
	}

	msg, err := fetch(types.Tag(rawTag))
	if err != nil {
		c.Log().Errorf("Failed to fetch from inbox: %v", err)
		return c.WriteReply(mgmt.StatusTransactionFailed)
	}
	infos := make([]messageInfo, 0, 1)
	if msg != nil {
		infos = append(infos, messageInfo{
			Payload:    base64.StdEncoding.EncodeToString(msg.Payload),
			ReceivedAt: msg.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.WriteData(infos)
}
