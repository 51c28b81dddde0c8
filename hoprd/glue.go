// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package hoprd

import (
	"github.com/katzenpost/hpqc/sign"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/hoprd/config"
	"github.com/kauki-labs/hoprnet/hoprd/internal/glue"
	"github.com/kauki-labs/hoprnet/mgmt"
	"github.com/kauki-labs/hoprnet/types"
)

// serverGlue exposes the Server's internals via the glue.Glue interface.
type serverGlue struct {
	s *Server
}

var _ glue.Glue = (*serverGlue)(nil)

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKey() sign.PrivateKey {
	return g.s.identityPrivateKey
}

func (g *serverGlue) IdentityPublicKey() sign.PublicKey {
	return g.s.identityPublicKey
}

func (g *serverGlue) Address() types.Address {
	return g.s.address
}

func (g *serverGlue) Management() *mgmt.Server {
	return g.s.management
}

func (g *serverGlue) Settlement() chain.Endpoint {
	return g.s.settlement
}

func (g *serverGlue) Channels() glue.Channels {
	return g.s.channels
}

func (g *serverGlue) Ledger() glue.Ledger {
	return g.s.ledger
}

func (g *serverGlue) Issuer() glue.Issuer {
	return g.s.issuer
}

func (g *serverGlue) Validator() glue.Validator {
	return g.s.validator
}

func (g *serverGlue) Aggregator() glue.Aggregator {
	return g.s.aggregator
}

func (g *serverGlue) Redemption() glue.Redemption {
	return g.s.redemption
}

func (g *serverGlue) Relay() glue.Relay {
	return g.s.relay
}

func (g *serverGlue) Inbox() glue.Inbox {
	return g.s.inbox
}
