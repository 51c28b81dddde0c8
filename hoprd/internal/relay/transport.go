// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/kauki-labs/hoprnet/types"
)

// Transport moves frames between peers.  Implementations deliver
// received frames to the registered handler, one goroutine per frame or
// per connection; the handler must tolerate concurrent invocation.
type Transport interface {
	// Send delivers a frame to the peer.
	Send(ctx context.Context, to types.Address, f *Frame) error

	// SetHandler registers the receive callback.
	SetHandler(h func(*Frame))

	// Close tears the transport down.
	Close() error
}

// LoopbackNetwork is an in-process frame switch connecting any number of
// LoopbackTransports.  Frames cross it through a full encode/decode
// round trip, so aliasing between sender and receiver state is
// impossible, exactly as on a real wire.
type LoopbackNetwork struct {
	sync.RWMutex

	nodes map[types.Address]*LoopbackTransport
}

// NewLoopbackNetwork constructs an empty loopback switch.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nodes: make(map[types.Address]*LoopbackTransport),
	}
}

// Transport attaches a node to the switch.
func (n *LoopbackNetwork) Transport(addr types.Address) *LoopbackTransport {
	t := &LoopbackTransport{
		net:  n,
		addr: addr,
	}
	n.Lock()
	n.nodes[addr] = t
	n.Unlock()
	return t
}

func (n *LoopbackNetwork) deliver(to types.Address, b []byte) error {
	n.RLock()
	t := n.nodes[to]
	n.RUnlock()
	if t == nil {
		return fmt.Errorf("relay: no route to %v", to)
	}

	f, err := DecodeFrame(b)
	if err != nil {
		return err
	}

	t.Lock()
	h := t.handler
	t.Unlock()
	if h != nil {
		go h(f)
	}
	return nil
}

// LoopbackTransport is one node's endpoint on a LoopbackNetwork.
type LoopbackTransport struct {
	sync.Mutex

	net     *LoopbackNetwork
	addr    types.Address
	handler func(*Frame)
}

// Send implements Transport.
func (t *LoopbackTransport) Send(_ context.Context, to types.Address, f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return t.net.deliver(to, b)
}

// SetHandler implements Transport.
func (t *LoopbackTransport) SetHandler(h func(*Frame)) {
	t.Lock()
	defer t.Unlock()
	t.handler = h
}

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.net.Lock()
	delete(t.net.nodes, t.addr)
	t.net.Unlock()
	return nil
}
