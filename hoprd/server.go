// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package hoprd implements the relay node daemon.
package hoprd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/kauki-labs/hoprnet/chain"
	"github.com/kauki-labs/hoprnet/chain/rpcchain"
	"github.com/kauki-labs/hoprnet/chain/simchain"
	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/retry"
	"github.com/kauki-labs/hoprnet/core/utils"
	"github.com/kauki-labs/hoprnet/hoprd/config"
	"github.com/kauki-labs/hoprnet/hoprd/internal/aggregator"
	"github.com/kauki-labs/hoprnet/hoprd/internal/channels"
	"github.com/kauki-labs/hoprnet/hoprd/internal/inbox"
	"github.com/kauki-labs/hoprnet/hoprd/internal/instrument"
	"github.com/kauki-labs/hoprnet/hoprd/internal/profiling"
	"github.com/kauki-labs/hoprnet/hoprd/internal/redemption"
	"github.com/kauki-labs/hoprnet/hoprd/internal/relay"
	"github.com/kauki-labs/hoprnet/hoprd/internal/sqldb"
	"github.com/kauki-labs/hoprnet/hoprd/internal/tickets"
	"github.com/kauki-labs/hoprnet/mgmt"
	"github.com/kauki-labs/hoprnet/types"
)

// identityScheme is the signature scheme node identity keys use.  Ticket
// signatures and channel addresses are derived from the same keypair.
const identityScheme = "Ed25519"

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("hoprd: GenerateOnly set")

// Fabric carries the in-process fabrics co-hosted nodes share: one
// settlement simulator and one loopback transport mesh.  The caller that
// builds a Fabric owns the lifecycle of what it puts in it; nil fields
// get per-node instances owned by the Server.
type Fabric struct {
	Chain   *simchain.Chain
	Network *relay.LoopbackNetwork
}

// Server is a hoprd instance.
type Server struct {
	cfg *config.Config

	identityPrivateKey sign.PrivateKey
	identityPublicKey  sign.PublicKey
	signScheme         sign.Scheme
	address            types.Address

	settlement chain.Endpoint
	sim        *simchain.Chain

	channels   *channels.Manager
	ledger     *tickets.Ledger
	leases     *tickets.Leases
	expiry     *tickets.Expiry
	issuer     *tickets.Issuer
	validator  *tickets.Validator
	aggregator *aggregator.Aggregator
	redemption *redemption.Engine
	transport  relay.Transport
	relay      *relay.Relay
	inbox      *inbox.Inbox
	archive    *sqldb.Archive
	management *mgmt.Server

	logBackend *log.Backend
	log        *logging.Logger

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

// Address returns the node's settlement address.
func (s *Server) Address() types.Address {
	return s.address
}

// LogBackend returns the logging backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Node.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("hoprd")
	}
	return err
}

func (s *Server) initIdentityKeys() error {
	identityPrivateKeyFile := filepath.Join(s.cfg.Node.DataDir, "identity.private.pem")
	identityPublicKeyFile := filepath.Join(s.cfg.Node.DataDir, "identity.public.pem")

	s.signScheme = signSchemes.ByName(identityScheme)
	if s.signScheme == nil {
		return errors.New("hoprd: identity signature scheme not found")
	}

	var err error
	s.identityPublicKey, s.identityPrivateKey, err = s.signScheme.GenerateKey()
	if err != nil {
		return err
	}

	if utils.BothExists(identityPrivateKeyFile, identityPublicKeyFile) {
		s.log.Noticef("Using identity keypair which already exists: %s and %s", identityPrivateKeyFile, identityPublicKeyFile)
		s.identityPrivateKey, err = signpem.FromPrivatePEMFile(identityPrivateKeyFile, s.signScheme)
		if err != nil {
			return err
		}
		s.identityPublicKey, err = signpem.FromPublicPEMFile(identityPublicKeyFile, s.signScheme)
		if err != nil {
			return err
		}
	} else if utils.BothNotExists(identityPrivateKeyFile, identityPublicKeyFile) {
		s.log.Noticef("Identity keypair does not exist, creating new keypair: %s and %s", identityPrivateKeyFile, identityPublicKeyFile)
		err = signpem.PrivateKeyToFile(identityPrivateKeyFile, s.identityPrivateKey)
		if err != nil {
			return err
		}
		err = signpem.PublicKeyToFile(identityPublicKeyFile, s.identityPublicKey)
		if err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%s and %s must either both exist or not exist", identityPrivateKeyFile, identityPublicKeyFile)
	}

	s.address = types.AddressFromPublicKey(s.identityPublicKey)
	return nil
}

func (s *Server) initSettlement(fabric *Fabric) error {
	switch s.cfg.Chain.Backend {
	case config.BackendSim:
		sim := (*simchain.Chain)(nil)
		if fabric != nil && fabric.Chain != nil {
			sim = fabric.Chain
		} else {
			lag := time.Duration(s.cfg.Chain.IndexingLag) * time.Millisecond
			if s.cfg.Chain.IndexingLag < 0 {
				lag = 0
			}
			sim = simchain.New(simchain.Config{
				TicketPrice:        types.Balance(s.cfg.Tickets.Price),
				GasFee:             types.Balance(s.cfg.Chain.GasFee),
				ClosureGracePeriod: time.Duration(s.cfg.Channels.ClosureGracePeriod) * time.Second,
				IndexingLag:        lag,
			}, s.logBackend)
			// Only a simulator we created is ours to halt.
			s.sim = sim
		}
		sim.Register(s.address, chain.AccountBalances{
			Native:            types.Balance(s.cfg.Chain.InitialNative),
			SafeHopr:          types.Balance(s.cfg.Chain.InitialSafeHopr),
			SafeHoprAllowance: types.Balance(s.cfg.Chain.InitialSafeHopr),
		})
		s.settlement = sim
	case config.BackendRPC:
		s.settlement = rpcchain.New(s.cfg.Chain.RPCAddress, s.logBackend)
	default:
		return fmt.Errorf("hoprd: unsupported chain backend '%v'", s.cfg.Chain.Backend)
	}
	return nil
}

func (s *Server) initSubsystems(fabric *Fabric) error {
	var err error

	if s.ledger, err = tickets.NewLedger(s.cfg.Node.DataDir, s.logBackend); err != nil {
		return err
	}
	if s.cfg.Ledger.Backend == config.BackendSQL {
		if s.archive, err = sqldb.New(s.cfg.Ledger.SQLAddress, s.cfg.Logging.Level, s.logBackend); err != nil {
			return err
		}
		s.ledger.SetArchive(s.archive)
	}

	ackDeadline := time.Duration(s.cfg.Tickets.AckDeadline) * time.Second
	if s.expiry, err = tickets.NewExpiry(s.ledger, ackDeadline, s.logBackend); err != nil {
		return err
	}

	s.channels, err = channels.New(s.settlement, s.address, &channels.Config{
		DataDir:      s.cfg.Node.DataDir,
		PollInterval: time.Duration(s.cfg.Channels.PollInterval) * time.Millisecond,
		AutoFinalize: s.cfg.Channels.AutoFinalize,
	}, s.logBackend)
	if err != nil {
		return err
	}

	winProb, err := types.WinProbFromFloat(s.cfg.Tickets.WinProb)
	if err != nil {
		return err
	}
	s.issuer, err = tickets.NewIssuer(s.ledger, s.channels, s.settlement, s.signScheme, s.identityPrivateKey, &tickets.IssuerConfig{
		WinProb:              winProb,
		PriceRefreshInterval: time.Duration(s.cfg.Tickets.PriceRefreshInterval) * time.Second,
	}, s.logBackend)
	if err != nil {
		return err
	}

	var minWinProb types.WinProb
	if p := s.cfg.Tickets.MinIncomingWinProb; p > 0 {
		if minWinProb, err = types.WinProbFromFloat(p); err != nil {
			return err
		}
	}
	s.validator = tickets.NewValidator(s.ledger, s.channels, minWinProb, s.logBackend)

	s.leases = tickets.NewLeases()

	var threshold uint64
	if s.cfg.Aggregation.Threshold > 0 {
		threshold = uint64(s.cfg.Aggregation.Threshold)
	}
	s.aggregator = aggregator.New(s.ledger, s.leases, s.channels, &aggregator.Config{
		Threshold:     threshold,
		CheckInterval: time.Duration(s.cfg.Aggregation.Interval) * time.Second,
	}, s.logBackend)

	retryCfg := retry.DefaultPollConfig()
	if s.cfg.Redemption.RetryLimit > 0 {
		retryCfg.MaxAttempts = s.cfg.Redemption.RetryLimit
	}
	if s.cfg.Redemption.RetryDelay > 0 {
		retryCfg.BaseDelay = time.Duration(s.cfg.Redemption.RetryDelay) * time.Millisecond
	}
	s.redemption = redemption.New(s.ledger, s.leases, s.channels, s.settlement, &redemption.Config{
		MaxInFlight:   s.cfg.Redemption.MaxInFlight,
		RedeemOnClose: s.cfg.Redemption.RedeemOnClose,
		Retry:         retryCfg,
	}, s.logBackend)

	if s.inbox, err = inbox.New(s.cfg.Inbox.DataDir, s.cfg.Inbox.Capacity, s.logBackend); err != nil {
		return err
	}

	switch s.cfg.Transport.Backend {
	case config.BackendLoopback:
		if fabric != nil && fabric.Network != nil {
			s.transport = fabric.Network.Transport(s.address)
		} else {
			s.transport = relay.NewLoopbackNetwork().Transport(s.address)
		}
	case config.BackendQuic:
		tr, err := relay.NewQuicTransport(s.cfg.Transport.BindAddress, s.logBackend)
		if err != nil {
			return err
		}
		for peer, endpoint := range s.cfg.Transport.AddressBook {
			addr, err := types.ParseAddress(peer)
			if err != nil {
				tr.Close()
				return err
			}
			tr.AddPeer(addr, endpoint)
		}
		s.transport = tr
	default:
		return fmt.Errorf("hoprd: unsupported transport backend '%v'", s.cfg.Transport.Backend)
	}

	s.relay, err = relay.New(&relay.Config{
		DeliveryDeadline: time.Duration(s.cfg.Transport.DeliveryDeadline) * time.Second,
		MaxRejectionRate: s.cfg.Tickets.RejectionRateLimit,
		MaxPayload:       s.cfg.Transport.MaxPayloadSize,
	}, s.transport, s.issuer, s.validator, s.ledger, s.signScheme, s.identityPublicKey, s.inbox.Push, s.logBackend)
	if err != nil {
		return err
	}

	s.channels.SetTransitionHook(s.onChannelTransition)
	return nil
}

// onChannelTransition reacts to settlement-side channel changes for the
// node's incoming channels: an epoch bump strands every ticket of the
// old epoch, and a closure initiated by the source races the grace
// period against redemption.  Runs on the channel poller goroutine.
func (s *Server) onChannelTransition(prev, cur *types.ChannelEntry) {
	if prev == nil || cur.Destination != s.address {
		return
	}
	switch {
	case cur.Epoch > prev.Epoch:
		value, count, err := s.ledger.SweepChannel(cur.ID, cur.Epoch)
		if err != nil {
			s.log.Warningf("Sweep of %v after epoch bump failed: %v", cur.ID, err)
		} else if count > 0 {
			s.log.Noticef("Channel %v reopened at epoch %d, neglected %d stale tickets worth %v", cur.ID, cur.Epoch, count, value)
		}
	case cur.Status == types.ChannelPendingToClose && prev.Status == types.ChannelOpen:
		if s.redemption.RedeemOnClose() {
			s.redemption.RedeemChannelAsync(cur.ID)
		}
	}
}

func (s *Server) initManagement() error {
	if !s.cfg.Management.Enable {
		return nil
	}

	// A stale socket from an unclean shutdown blocks the bind.
	if err := os.Remove(s.cfg.Management.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	var err error
	s.management, err = mgmt.New(&mgmt.Config{
		Net:         "unix",
		Addr:        s.cfg.Management.SocketPath,
		ServiceName: s.cfg.Node.Identifier,
		LogModule:   "mgmt",
		NewLoggerFn: s.logBackend.GetLogger,
	})
	if err != nil {
		return err
	}
	registerCommands(&serverGlue{s})
	return s.management.Start()
}

func (s *Server) initDebug() {
	if s.cfg.Debug.MetricsAddress != "" {
		s.log.Noticef("Metrics exposed on http://%v/metrics", s.cfg.Debug.MetricsAddress)
		instrument.Init(s.cfg.Debug.MetricsAddress)
	}
	if s.cfg.Debug.PyroscopeAddress != "" {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Debug.PyroscopeAddress); err != nil {
			s.log.Warningf("Continuous profiling disabled: %v", err)
		}
	}
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.management != nil {
		s.management.Halt()
		os.Remove(s.cfg.Management.SocketPath)
	}
	if s.transport != nil {
		s.transport.Close()
	}

	// Workers next, so nothing reaches the stores mid-teardown.
	if s.aggregator != nil {
		s.aggregator.Halt()
	}
	if s.redemption != nil {
		s.redemption.Halt()
	}
	if s.issuer != nil {
		s.issuer.Halt()
	}
	if s.expiry != nil {
		s.expiry.Halt()
	}
	if s.channels != nil {
		s.channels.Halt()
	}

	if s.inbox != nil {
		s.inbox.Close()
	}
	if s.ledger != nil {
		s.ledger.Close()
	}
	if s.archive != nil {
		s.archive.Close()
	}
	if s.sim != nil {
		s.sim.Halt()
	}

	close(s.fatalErrCh)
	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Server, error) {
	return NewWithFabric(cfg, nil)
}

// NewWithFabric returns a new Server instance attached to a shared
// in-process fabric, used to co-host several nodes in one process.
func NewWithFabric(cfg *config.Config, fabric *Fabric) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := utils.MkDataDir(cfg.Node.DataDir); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Starting hoprd on network '%v'.", cfg.Node.Network)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	if err := s.initIdentityKeys(); err != nil {
		return nil, err
	}
	s.log.Noticef("Node address: %v", s.address)

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if err := s.initSettlement(fabric); err != nil {
		return nil, err
	}
	if err := s.initSubsystems(fabric); err != nil {
		return nil, err
	}
	if err := s.initManagement(); err != nil {
		return nil, err
	}
	s.initDebug()

	isOk = true
	return s, nil
}
