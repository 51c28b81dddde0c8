// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package rpcchain

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/types"
)

const requestTimeout = 30 * time.Second

var _ chain.Endpoint = (*Client)(nil)

// Client is the node side of the gateway protocol.  Every transport
// level fault, including non-200 statuses and garbled replies, comes out
// as types.ErrSettlementUnavailable so that callers retry instead of
// misreading a flaky gateway as a settlement verdict.
type Client struct {
	log    *logging.Logger
	base   string
	client *http.Client
}

// New constructs a Client for the gateway at address, given as host:port
// or as a full URL.
func New(address string, logBackend *log.Backend) *Client {
	base := strings.TrimSuffix(address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		log:    logBackend.GetLogger("chain/rpcchain"),
		base:   base,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) do(ctx context.Context, endpoint string, req, rsp interface{}) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, &jsonHandle)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("rpcchain: failed to encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcchain: failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRsp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Debugf("Request %v failed: %v", endpoint, err)
		return types.ErrSettlementUnavailable
	}
	defer httpRsp.Body.Close()

	if httpRsp.StatusCode != http.StatusOK {
		c.log.Debugf("Request %v failed: %v", endpoint, httpRsp.Status)
		return types.ErrSettlementUnavailable
	}
	d := codec.NewDecoder(httpRsp.Body, &jsonHandle)
	if err = d.Decode(rsp); err != nil {
		c.log.Debugf("Response to %v malformed: %v", endpoint, err)
		return types.ErrSettlementUnavailable
	}
	return nil
}

func checkVersion(v int) error {
	if v != rpcVersion {
		return fmt.Errorf("rpcchain: unsupported gateway version: %v", v)
	}
	return nil
}

func (c *Client) OpenChannel(ctx context.Context, src, dst types.Address, amount types.Balance) (types.ChannelID, error) {
	req := &openChannelRequest{
		Version:     rpcVersion,
		Source:      src.String(),
		Destination: dst.String(),
		Amount:      uint64(amount),
	}
	var rsp openChannelResponse
	if err := c.do(ctx, "openchannel", req, &rsp); err != nil {
		return types.ChannelID{}, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return types.ChannelID{}, err
	}
	if err := errorFromWire(rsp.Error); err != nil {
		return types.ChannelID{}, err
	}
	return types.ParseChannelID(rsp.ChannelID)
}

func (c *Client) FundChannel(ctx context.Context, id types.ChannelID, amount types.Balance) error {
	req := &fundChannelRequest{
		Version:   rpcVersion,
		ChannelID: id.String(),
		Amount:    uint64(amount),
	}
	var rsp statusResponse
	if err := c.do(ctx, "fundchannel", req, &rsp); err != nil {
		return err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return err
	}
	return errorFromWire(rsp.Error)
}

func (c *Client) CloseChannel(ctx context.Context, id types.ChannelID, caller types.Address) (types.ChannelStatus, error) {
	req := &closeChannelRequest{
		Version:   rpcVersion,
		ChannelID: id.String(),
		Caller:    caller.String(),
	}
	var rsp closeChannelResponse
	if err := c.do(ctx, "closechannel", req, &rsp); err != nil {
		return types.ChannelClosed, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return types.ChannelClosed, err
	}
	// The reached status travels alongside the error: a too-early
	// finalize reports PendingToClose with ErrClosureTimeNotElapsed.
	return types.ChannelStatus(rsp.Status), errorFromWire(rsp.Error)
}

func (c *Client) GetChannel(ctx context.Context, id types.ChannelID) (types.ChannelEntry, error) {
	req := &getChannelRequest{
		Version:   rpcVersion,
		ChannelID: id.String(),
	}
	var rsp getChannelResponse
	if err := c.do(ctx, "getchannel", req, &rsp); err != nil {
		return types.ChannelEntry{}, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return types.ChannelEntry{}, err
	}
	if err := errorFromWire(rsp.Error); err != nil {
		return types.ChannelEntry{}, err
	}
	return entryFromWire(&rsp.Entry)
}

func (c *Client) ListChannels(ctx context.Context, of types.Address) ([]types.ChannelEntry, error) {
	req := &listChannelsRequest{
		Version: rpcVersion,
		Of:      of.String(),
	}
	var rsp listChannelsResponse
	if err := c.do(ctx, "listchannels", req, &rsp); err != nil {
		return nil, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return nil, err
	}
	if err := errorFromWire(rsp.Error); err != nil {
		return nil, err
	}
	entries := make([]types.ChannelEntry, 0, len(rsp.Entries))
	for i := range rsp.Entries {
		e, err := entryFromWire(&rsp.Entries[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Client) SubmitRedemption(ctx context.Context, redeemer types.Address, t *types.Ticket, response [32]byte) error {
	req := &submitRedemptionRequest{
		Version:  rpcVersion,
		Redeemer: redeemer.String(),
		Ticket:   ticketToWire(t),
		Response: append([]byte{}, response[:]...),
	}
	var rsp statusResponse
	if err := c.do(ctx, "submitredemption", req, &rsp); err != nil {
		return err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return err
	}
	return errorFromWire(rsp.Error)
}

func (c *Client) Balances(ctx context.Context, of types.Address) (chain.AccountBalances, error) {
	req := &balancesRequest{
		Version: rpcVersion,
		Of:      of.String(),
	}
	var rsp balancesResponse
	if err := c.do(ctx, "balances", req, &rsp); err != nil {
		return chain.AccountBalances{}, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return chain.AccountBalances{}, err
	}
	if err := errorFromWire(rsp.Error); err != nil {
		return chain.AccountBalances{}, err
	}
	return chain.AccountBalances{
		Native:            types.Balance(rsp.Native),
		SafeNative:        types.Balance(rsp.SafeNative),
		SafeHopr:          types.Balance(rsp.SafeHopr),
		SafeHoprAllowance: types.Balance(rsp.SafeHoprAllowance),
	}, nil
}

func (c *Client) Withdraw(ctx context.Context, from types.Address, currency chain.Currency, amount types.Balance, to types.Address) error {
	req := &withdrawRequest{
		Version:  rpcVersion,
		From:     from.String(),
		Currency: currency.String(),
		Amount:   uint64(amount),
		To:       to.String(),
	}
	var rsp statusResponse
	if err := c.do(ctx, "withdraw", req, &rsp); err != nil {
		return err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return err
	}
	return errorFromWire(rsp.Error)
}

func (c *Client) TicketPrice(ctx context.Context) (types.Balance, error) {
	req := &ticketPriceRequest{Version: rpcVersion}
	var rsp ticketPriceResponse
	if err := c.do(ctx, "ticketprice", req, &rsp); err != nil {
		return 0, err
	}
	if err := checkVersion(rsp.Version); err != nil {
		return 0, err
	}
	if err := errorFromWire(rsp.Error); err != nil {
		return 0, err
	}
	return types.Balance(rsp.Price), nil
}
