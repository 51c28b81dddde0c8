// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package rpcchain

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/types"
)

var errMalformedResponse = errors.New("rpcchain: malformed redemption response")

// Handler serves a chain.Endpoint over the gateway protocol.  A
// settlement gateway mounts it behind plain HTTP; nodes consume it with
// Client.  Semantic failures travel inside the response envelope, HTTP
// status codes are reserved for protocol faults.
type Handler struct {
	log      *logging.Logger
	endpoint chain.Endpoint
}

// NewHandler wraps endpoint in the gateway protocol.
func NewHandler(endpoint chain.Endpoint, logBackend *log.Backend) *Handler {
	return &Handler{
		log:      logBackend.GetLogger("chain/rpcchain"),
		endpoint: endpoint,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	switch strings.TrimPrefix(r.URL.Path, "/") {
	case "openchannel":
		h.serveOpenChannel(w, r)
	case "fundchannel":
		h.serveFundChannel(w, r)
	case "closechannel":
		h.serveCloseChannel(w, r)
	case "getchannel":
		h.serveGetChannel(w, r)
	case "listchannels":
		h.serveListChannels(w, r)
	case "submitredemption":
		h.serveSubmitRedemption(w, r)
	case "balances":
		h.serveBalances(w, r)
	case "withdraw":
		h.serveWithdraw(w, r)
	case "ticketprice":
		h.serveTicketPrice(w, r)
	default:
		http.NotFound(w, r)
	}
}

// decode parses the request body.  The caller bails out when it returns
// false, the error reply is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	d := codec.NewDecoder(r.Body, &jsonHandle)
	if err := d.Decode(req); err != nil {
		h.log.Debugf("Malformed %v request: %v", r.URL.Path, err)
		http.Error(w, "malformed request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) checkVersion(w http.ResponseWriter, r *http.Request, version int) bool {
	if version != rpcVersion {
		h.log.Debugf("Bad %v request version: %v", r.URL.Path, version)
		http.Error(w, "unsupported version", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Debugf("Malformed %v request: %v", r.URL.Path, err)
	http.Error(w, "malformed request", http.StatusBadRequest)
}

func (h *Handler) reply(w http.ResponseWriter, rsp interface{}) {
	var body []byte
	enc := codec.NewEncoderBytes(&body, &jsonHandle)
	if err := enc.Encode(rsp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Handler) serveOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req openChannelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	src, err := types.ParseAddress(req.Source)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	dst, err := types.ParseAddress(req.Destination)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := openChannelResponse{Version: rpcVersion}
	id, err := h.endpoint.OpenChannel(r.Context(), src, dst, types.Balance(req.Amount))
	if err != nil {
		rsp.Error = errorToWire(err)
	} else {
		rsp.ChannelID = id.String()
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveFundChannel(w http.ResponseWriter, r *http.Request) {
	var req fundChannelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	id, err := types.ParseChannelID(req.ChannelID)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := statusResponse{Version: rpcVersion}
	if err = h.endpoint.FundChannel(r.Context(), id, types.Balance(req.Amount)); err != nil {
		rsp.Error = errorToWire(err)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveCloseChannel(w http.ResponseWriter, r *http.Request) {
	var req closeChannelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	id, err := types.ParseChannelID(req.ChannelID)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	caller, err := types.ParseAddress(req.Caller)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := closeChannelResponse{Version: rpcVersion}
	status, err := h.endpoint.CloseChannel(r.Context(), id, caller)
	rsp.Status = uint8(status)
	if err != nil {
		rsp.Error = errorToWire(err)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveGetChannel(w http.ResponseWriter, r *http.Request) {
	var req getChannelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	id, err := types.ParseChannelID(req.ChannelID)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := getChannelResponse{Version: rpcVersion}
	entry, err := h.endpoint.GetChannel(r.Context(), id)
	if err != nil {
		rsp.Error = errorToWire(err)
	} else {
		rsp.Entry = entryToWire(&entry)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveListChannels(w http.ResponseWriter, r *http.Request) {
	var req listChannelsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	of, err := types.ParseAddress(req.Of)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := listChannelsResponse{Version: rpcVersion}
	entries, err := h.endpoint.ListChannels(r.Context(), of)
	if err != nil {
		rsp.Error = errorToWire(err)
	} else {
		rsp.Entries = make([]wireEntry, 0, len(entries))
		for i := range entries {
			rsp.Entries = append(rsp.Entries, entryToWire(&entries[i]))
		}
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveSubmitRedemption(w http.ResponseWriter, r *http.Request) {
	var req submitRedemptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	redeemer, err := types.ParseAddress(req.Redeemer)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	t, err := ticketFromWire(&req.Ticket)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	if len(req.Response) != 32 {
		h.badRequest(w, r, errMalformedResponse)
		return
	}
	var response [32]byte
	copy(response[:], req.Response)

	rsp := statusResponse{Version: rpcVersion}
	if err = h.endpoint.SubmitRedemption(r.Context(), redeemer, t, response); err != nil {
		rsp.Error = errorToWire(err)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveBalances(w http.ResponseWriter, r *http.Request) {
	var req balancesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	of, err := types.ParseAddress(req.Of)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := balancesResponse{Version: rpcVersion}
	balances, err := h.endpoint.Balances(r.Context(), of)
	if err != nil {
		rsp.Error = errorToWire(err)
	} else {
		rsp.Native = uint64(balances.Native)
		rsp.SafeNative = uint64(balances.SafeNative)
		rsp.SafeHopr = uint64(balances.SafeHopr)
		rsp.SafeHoprAllowance = uint64(balances.SafeHoprAllowance)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}
	from, err := types.ParseAddress(req.From)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	to, err := types.ParseAddress(req.To)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	currency, err := chain.ParseCurrency(req.Currency)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	rsp := statusResponse{Version: rpcVersion}
	if err = h.endpoint.Withdraw(r.Context(), from, currency, types.Balance(req.Amount), to); err != nil {
		rsp.Error = errorToWire(err)
	}
	h.reply(w, &rsp)
}

func (h *Handler) serveTicketPrice(w http.ResponseWriter, r *http.Request) {
	var req ticketPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkVersion(w, r, req.Version) {
		return
	}

	rsp := ticketPriceResponse{Version: rpcVersion}
	price, err := h.endpoint.TicketPrice(r.Context())
	if err != nil {
		rsp.Error = errorToWire(err)
	} else {
		rsp.Price = uint64(price)
	}
	h.reply(w, &rsp)
}
