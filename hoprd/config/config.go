// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the hoprd node configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/BurntSushi/toml"

	"github.com/kauki-labs/hoprnet/types"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultNetwork              = "dufour"
	defaultIndexingLag          = 500 // 500 ms.
	defaultClosureGracePeriod   = 60  // 60 sec.
	defaultPollInterval         = 250 // 250 ms.
	defaultTicketPrice          = 100
	defaultAckDeadline          = 60 // 60 sec.
	defaultAggregationThreshold = 100
	defaultAggregationInterval  = 30 // 30 sec.
	defaultMaxInFlight          = 4
	defaultRetryLimit           = 10
	defaultRetryDelay           = 500 // 500 ms.
	defaultDeliveryDeadline     = 15  // 15 sec.
	defaultMaxPayloadSize       = 462
	defaultInboxCapacity        = 512
	defaultInitialNative        = 1000000
	defaultInitialSafeHopr      = 1000000000
	defaultManagementSocket     = "management.sock"

	// BackendSim is the in-process simulated settlement backend.
	BackendSim = "sim"

	// BackendRPC is the external HTTP settlement gateway backend.
	BackendRPC = "rpc"

	// BackendBolt is a BoltDB based ticket store backend.
	BackendBolt = "bolt"

	// BackendSQL is the BoltDB ticket store backend with settlement
	// history mirrored into PostgreSQL.
	BackendSQL = "sql"

	// BackendLoopback is the in-process link transport.
	BackendLoopback = "loopback"

	// BackendQuic is the QUIC link transport.
	BackendQuic = "quic"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the top level node identity configuration.
type Node struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Network is the name of the relay network the node joins.
	Network string
}

func (nCfg *Node) validate() error {
	if nCfg.Identifier == "" {
		return errors.New("config: Node: Identifier is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	if nCfg.Network == "" {
		nCfg.Network = defaultNetwork
	}

	// Ensure the network name is normalized.
	netNorm, err := precis.UsernameCaseMapped.String(nCfg.Network)
	if err != nil {
		return fmt.Errorf("config: Node: Network '%v' is invalid: %v", nCfg.Network, err)
	}
	if netNorm != nCfg.Network {
		return fmt.Errorf("config: Node: Network '%v' is non-normalized", nCfg.Network)
	}
	return nil
}

// Logging is the hoprd logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Chain selects and tunes the settlement backend.
type Chain struct {
	// Backend selects the settlement backend, BackendSim or BackendRPC.
	Backend string

	// RPCAddress is the settlement gateway address for BackendRPC, given
	// as host:port or as a full URL.
	RPCAddress string

	// IndexingLag is the simulated settlement indexing delay in
	// milliseconds.  A negative value makes settlement effects visible
	// inline.
	IndexingLag int

	// GasFee is the simulated per-operation gas fee.
	GasFee uint64

	// InitialNative is the node's genesis gas balance on the simulated
	// backend.
	InitialNative uint64

	// InitialSafeHopr is the node's genesis safe stake on the simulated
	// backend.
	InitialSafeHopr uint64
}

func (cCfg *Chain) applyDefaults() {
	if cCfg.Backend == "" {
		cCfg.Backend = BackendSim
	}
	if cCfg.IndexingLag == 0 {
		cCfg.IndexingLag = defaultIndexingLag
	}
	if cCfg.InitialNative == 0 {
		cCfg.InitialNative = defaultInitialNative
	}
	if cCfg.InitialSafeHopr == 0 {
		cCfg.InitialSafeHopr = defaultInitialSafeHopr
	}
}

func (cCfg *Chain) validate() error {
	switch cCfg.Backend {
	case BackendSim:
	case BackendRPC:
		if cCfg.RPCAddress == "" {
			return errors.New("config: Chain: RPCAddress is not set")
		}
	default:
		return fmt.Errorf("config: Chain: Backend '%v' is invalid", cCfg.Backend)
	}
	return nil
}

// Channels is the payment channel lifecycle configuration.
type Channels struct {
	// ClosureGracePeriod is the channel closure grace period in seconds.
	ClosureGracePeriod int

	// PollInterval is the channel view refresh interval in milliseconds.
	PollInterval int

	// AutoFinalize finalizes the node's own pending closures once their
	// grace period elapses, instead of waiting for a second manual close.
	AutoFinalize bool
}

func (chCfg *Channels) applyDefaults() {
	if chCfg.ClosureGracePeriod <= 0 {
		chCfg.ClosureGracePeriod = defaultClosureGracePeriod
	}
	if chCfg.PollInterval <= 0 {
		chCfg.PollInterval = defaultPollInterval
	}
}

// Tickets is the ticket issuance and validation configuration.
type Tickets struct {
	// Price is the genesis ticket price on the simulated settlement
	// backend.
	Price uint64

	// WinProb is the winning probability of issued tickets.
	WinProb float64

	// MinIncomingWinProb is the lowest winning probability accepted on
	// incoming tickets.  Zero accepts any probability.
	MinIncomingWinProb float64

	// RejectionRateLimit is the per-channel rejected ticket rate above
	// which forwarding is refused.  Zero disables the policy.
	RejectionRateLimit float64

	// AckDeadline is the time in seconds an unacknowledged forwarding
	// claim may hold channel capacity before it is neglected.
	AckDeadline int

	// PriceRefreshInterval is the ticket price refresh interval in
	// seconds.  Zero pins the price fetched at startup.
	PriceRefreshInterval int
}

func (tCfg *Tickets) applyDefaults() {
	if tCfg.Price == 0 {
		tCfg.Price = defaultTicketPrice
	}
	if tCfg.WinProb == 0 {
		tCfg.WinProb = 1
	}
	if tCfg.AckDeadline <= 0 {
		tCfg.AckDeadline = defaultAckDeadline
	}
}

func (tCfg *Tickets) validate() error {
	if tCfg.WinProb <= 0 || tCfg.WinProb > 1 {
		return fmt.Errorf("config: Tickets: WinProb '%v' is not in (0, 1]", tCfg.WinProb)
	}
	if tCfg.MinIncomingWinProb < 0 || tCfg.MinIncomingWinProb > 1 {
		return fmt.Errorf("config: Tickets: MinIncomingWinProb '%v' is not in [0, 1]", tCfg.MinIncomingWinProb)
	}
	if tCfg.RejectionRateLimit < 0 || tCfg.RejectionRateLimit > 1 {
		return fmt.Errorf("config: Tickets: RejectionRateLimit '%v' is not in [0, 1]", tCfg.RejectionRateLimit)
	}
	if tCfg.PriceRefreshInterval < 0 {
		return fmt.Errorf("config: Tickets: PriceRefreshInterval '%v' is negative", tCfg.PriceRefreshInterval)
	}
	return nil
}

// Aggregation is the ticket aggregation configuration.
type Aggregation struct {
	// Threshold is the per-channel unredeemed ticket count that triggers
	// automatic aggregation.  A negative value disables the trigger.
	Threshold int

	// Interval is the scan period of the automatic trigger in seconds.
	Interval int
}

func (aCfg *Aggregation) applyDefaults() {
	if aCfg.Threshold == 0 {
		aCfg.Threshold = defaultAggregationThreshold
	}
	if aCfg.Interval <= 0 {
		aCfg.Interval = defaultAggregationInterval
	}
}

// Redemption is the ticket redemption configuration.
type Redemption struct {
	// MaxInFlight bounds how many channels redeem concurrently during a
	// node-wide redemption.
	MaxInFlight int

	// RetryLimit is the settlement submission attempt bound.
	RetryLimit int

	// RetryDelay is the base settlement retry delay in milliseconds.
	RetryDelay int

	// RedeemOnClose redeems an incoming channel's tickets as soon as its
	// source starts closing it, racing the closure grace period.
	RedeemOnClose bool
}

func (rCfg *Redemption) applyDefaults() {
	if rCfg.MaxInFlight <= 0 {
		rCfg.MaxInFlight = defaultMaxInFlight
	}
	if rCfg.RetryLimit <= 0 {
		rCfg.RetryLimit = defaultRetryLimit
	}
	if rCfg.RetryDelay <= 0 {
		rCfg.RetryDelay = defaultRetryDelay
	}
}

// Transport is the link transport configuration.
type Transport struct {
	// Backend selects the link transport, BackendLoopback or BackendQuic.
	Backend string

	// BindAddress is the QUIC listener address.
	BindAddress string

	// MaxPayloadSize caps accepted message payloads in bytes.
	MaxPayloadSize int

	// DeliveryDeadline is the packet freshness bound in seconds.
	DeliveryDeadline int

	// AddressBook maps hex node addresses to host:port endpoints.
	AddressBook map[string]string
}

func (tCfg *Transport) applyDefaults() {
	if tCfg.Backend == "" {
		tCfg.Backend = BackendQuic
	}
	if tCfg.MaxPayloadSize <= 0 {
		tCfg.MaxPayloadSize = defaultMaxPayloadSize
	}
	if tCfg.DeliveryDeadline <= 0 {
		tCfg.DeliveryDeadline = defaultDeliveryDeadline
	}
}

func (tCfg *Transport) validate() error {
	switch tCfg.Backend {
	case BackendLoopback:
	case BackendQuic:
		if tCfg.BindAddress == "" {
			return errors.New("config: Transport: BindAddress is not set")
		}
	default:
		return fmt.Errorf("config: Transport: Backend '%v' is invalid", tCfg.Backend)
	}
	if tCfg.MaxPayloadSize > defaultMaxPayloadSize {
		return fmt.Errorf("config: Transport: MaxPayloadSize '%v' exceeds the wire format limit %v", tCfg.MaxPayloadSize, defaultMaxPayloadSize)
	}
	for addr, endpoint := range tCfg.AddressBook {
		if _, err := types.ParseAddress(addr); err != nil {
			return fmt.Errorf("config: Transport: AddressBook key '%v' is invalid: %v", addr, err)
		}
		if endpoint == "" {
			return fmt.Errorf("config: Transport: AddressBook entry '%v' has no endpoint", addr)
		}
	}
	return nil
}

// Inbox is the delivered message store configuration.
type Inbox struct {
	// DataDir overrides the directory holding the inbox database.  If
	// left empty the node DataDir is used.
	DataDir string

	// Capacity is the per-tag retained message bound.
	Capacity int
}

func (iCfg *Inbox) applyDefaults(nCfg *Node) {
	if iCfg.DataDir == "" {
		iCfg.DataDir = nCfg.DataDir
	}
	if iCfg.Capacity <= 0 {
		iCfg.Capacity = defaultInboxCapacity
	}
}

func (iCfg *Inbox) validate() error {
	if !filepath.IsAbs(iCfg.DataDir) {
		return fmt.Errorf("config: Inbox: DataDir '%v' is not an absolute path", iCfg.DataDir)
	}
	return nil
}

// Ledger is the ticket store configuration.
type Ledger struct {
	// Backend selects the ticket store backend, BackendBolt or
	// BackendSQL.  BackendSQL keeps the BoltDB store authoritative and
	// mirrors settlement history into PostgreSQL.
	Backend string

	// SQLAddress is the PostgreSQL connection string for BackendSQL.
	SQLAddress string
}

func (lCfg *Ledger) applyDefaults() {
	if lCfg.Backend == "" {
		lCfg.Backend = BackendBolt
	}
}

func (lCfg *Ledger) validate() error {
	switch lCfg.Backend {
	case BackendBolt:
	case BackendSQL:
		if lCfg.SQLAddress == "" {
			return errors.New("config: Ledger: SQLAddress is not set")
		}
	default:
		return fmt.Errorf("config: Ledger: Backend '%v' is invalid", lCfg.Backend)
	}
	return nil
}

// Management is the management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// SocketPath specifies the path to the management interface socket.
	// If left empty it will use `management.sock` under the DataDir.
	SocketPath string
}

func (mCfg *Management) applyDefaults(nCfg *Node) {
	if mCfg.SocketPath == "" {
		mCfg.SocketPath = filepath.Join(nCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.SocketPath) {
		return fmt.Errorf("config: Management: SocketPath '%v' is not an absolute path", mCfg.SocketPath)
	}
	return nil
}

// Debug is the hoprd debug configuration.
type Debug struct {
	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// PyroscopeAddress is the continuous profiling collector address,
	// used only by pyroscope enabled builds.
	PyroscopeAddress string

	// GenerateOnly halts and cleans up the node right after identity key
	// generation.
	GenerateOnly bool
}

func (dCfg *Debug) validate() error {
	if dCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(dCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Debug: MetricsAddress '%v' is invalid: %v", dCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Config is the top level hoprd configuration.
type Config struct {
	Node        *Node
	Logging     *Logging
	Chain       *Chain
	Channels    *Channels
	Tickets     *Tickets
	Aggregation *Aggregation
	Redemption  *Redemption
	Transport   *Transport
	Inbox       *Inbox
	Ledger      *Ledger
	Management  *Management

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Chain == nil {
		cfg.Chain = &Chain{}
	}
	if cfg.Channels == nil {
		cfg.Channels = &Channels{}
	}
	if cfg.Tickets == nil {
		cfg.Tickets = &Tickets{}
	}
	if cfg.Aggregation == nil {
		cfg.Aggregation = &Aggregation{}
	}
	if cfg.Redemption == nil {
		cfg.Redemption = &Redemption{}
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.Inbox == nil {
		cfg.Inbox = &Inbox{}
	}
	if cfg.Ledger == nil {
		cfg.Ledger = &Ledger{}
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Chain.applyDefaults()
	if err := cfg.Chain.validate(); err != nil {
		return err
	}
	cfg.Channels.applyDefaults()
	cfg.Tickets.applyDefaults()
	if err := cfg.Tickets.validate(); err != nil {
		return err
	}
	cfg.Aggregation.applyDefaults()
	cfg.Redemption.applyDefaults()
	cfg.Transport.applyDefaults()
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	cfg.Inbox.applyDefaults(cfg.Node)
	if err := cfg.Inbox.validate(); err != nil {
		return err
	}
	cfg.Ledger.applyDefaults()
	if err := cfg.Ledger.validate(); err != nil {
		return err
	}
	cfg.Management.applyDefaults(cfg.Node)
	if err := cfg.Management.validate(); err != nil {
		return err
	}
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	var err error
	cfg.Node.Identifier, err = idna.Lookup.ToASCII(cfg.Node.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
