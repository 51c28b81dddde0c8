// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/core/worker"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	// transportALPN identifies the relay protocol in the QUIC handshake.
	transportALPN = "hoprnet"

	dialTimeout = 10 * time.Second
)

// QuicTransport carries frames over QUIC, one stream per frame.  Peer
// endpoints are registered explicitly; there is no discovery here.
type QuicTransport struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	ln  *quic.Listener

	handler func(*Frame)
	peers   map[types.Address]string
	conns   map[types.Address]quic.Connection
}

// NewQuicTransport binds a QUIC listener and starts accepting frames.
func NewQuicTransport(bindAddr string, logBackend *log.Backend) (*QuicTransport, error) {
	t := &QuicTransport{
		log:   logBackend.GetLogger("relay/quic"),
		peers: make(map[types.Address]string),
		conns: make(map[types.Address]quic.Connection),
	}

	var err error
	t.ln, err = quic.ListenAddr(bindAddr, generateTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	t.log.Noticef("listening on %v", t.ln.Addr())

	t.Go(t.acceptWorker)
	return t, nil
}

// Addr returns the bound listener address.
func (t *QuicTransport) Addr() string {
	return t.ln.Addr().String()
}

// AddPeer registers the wire endpoint of a peer address.
func (t *QuicTransport) AddPeer(addr types.Address, endpoint string) {
	t.Lock()
	defer t.Unlock()
	t.peers[addr] = endpoint
}

// SetHandler implements Transport.
func (t *QuicTransport) SetHandler(h func(*Frame)) {
	t.Lock()
	defer t.Unlock()
	t.handler = h
}

// Send implements Transport.
func (t *QuicTransport) Send(ctx context.Context, to types.Address, f *Frame) error {
	t.Lock()
	endpoint, ok := t.peers[to]
	conn := t.conns[to]
	t.Unlock()
	if !ok {
		return fmt.Errorf("relay: no endpoint known for %v", to)
	}

	if conn == nil {
		var err error
		if conn, err = t.dial(ctx, to, endpoint); err != nil {
			return err
		}
	}

	if err := t.sendOn(ctx, conn, f); err != nil {
		// The cached connection may have gone stale; redial once.
		t.dropConn(to, conn)
		conn, derr := t.dial(ctx, to, endpoint)
		if derr != nil {
			return err
		}
		return t.sendOn(ctx, conn, f)
	}
	return nil
}

func (t *QuicTransport) sendOn(ctx context.Context, conn quic.Connection, f *Frame) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	return WriteFrame(stream, f)
}

func (t *QuicTransport) dial(ctx context.Context, to types.Address, endpoint string) (quic.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// Peers present self-signed certificates; the payment layer, not the
	// link layer, authenticates who is owed what.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{transportALPN},
	}
	conn, err := quic.DialAddr(dialCtx, endpoint, tlsConf, nil)
	if err != nil {
		return nil, err
	}

	t.Lock()
	t.conns[to] = conn
	t.Unlock()
	return conn, nil
}

func (t *QuicTransport) dropConn(to types.Address, conn quic.Connection) {
	t.Lock()
	if t.conns[to] == conn {
		delete(t.conns, to)
	}
	t.Unlock()
	conn.CloseWithError(0, "stale")
}

func (t *QuicTransport) acceptWorker() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			// Listener closed.
			return
		}
		t.Go(func() {
			t.connWorker(conn)
		})
	}
}

func (t *QuicTransport) connWorker(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			defer stream.Close()
			f, err := ReadFrame(stream)
			if err != nil {
				t.log.Debugf("discarded malformed frame from %v: %v", conn.RemoteAddr(), err)
				return
			}
			t.Lock()
			h := t.handler
			t.Unlock()
			if h != nil {
				h(f)
			}
		}()
	}
}

// Close implements Transport.
func (t *QuicTransport) Close() error {
	err := t.ln.Close()
	t.Lock()
	for to, conn := range t.conns {
		conn.CloseWithError(0, "shutdown")
		delete(t.conns, to)
	}
	t.Unlock()
	t.Halt()
	return err
}

// generateTLSConfig builds the listener's self-signed certificate.  The
// ALPN string is how relay peers recognize each other during the
// handshake.
func generateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{transportALPN}}
}
