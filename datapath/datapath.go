// Package datapath abstracts UDP socket I/O for the QUIC binding
// layer: datagram chains on receive, pooled send contexts on transmit,
// and a delete operation that blocks until every receive callback has
// drained.
package datapath

import (
	"net/netip"

	"github.com/bridgefall/quicbind/wire"
)

// Tuple is the 4-tuple a datagram arrived on (or departs from).
type Tuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Datagram is one received UDP datagram, linked into a chain via Next.
// The receiver must either retain a datagram (connection queue,
// subchain, stateless context) or return it through
// ReturnRecvDatagrams.
type Datagram struct {
	Buffer []byte
	Tuple  Tuple
	Next   *Datagram

	// Packet is per-datagram scratch for the receive pipeline.
	Packet wire.RecvPacket

	// raw is the full-capacity buffer for pool return; owned by the
	// implementation.
	raw []byte
}

// ChainLength walks a chain and returns its length.
func ChainLength(d *Datagram) int {
	n := 0
	for ; d != nil; d = d.Next {
		n++
	}
	return n
}

// SendDatagram is one datagram staged for transmission.
type SendDatagram struct {
	Buffer []byte
}

// SendContext batches datagrams for a single send call. Allocate with
// Binding.AllocSendContext and release with FreeSendContext (a send
// call consumes the context whether or not it succeeds).
type SendContext struct {
	Datagrams []*SendDatagram
}

// AllocDatagram stages a new datagram buffer of the given length.
// Returns nil if the length is not sendable.
func (c *SendContext) AllocDatagram(length int) *SendDatagram {
	if length <= 0 || length > MaxSendLength {
		return nil
	}
	d := &SendDatagram{Buffer: make([]byte, length)}
	c.Datagrams = append(c.Datagrams, d)
	return d
}

// MaxSendLength bounds a single staged datagram.
const MaxSendLength = 1452

// ReceiveFunc is the datapath receive callback. It is invoked on the
// datapath's reader goroutine, serialized per binding, and must not
// block.
type ReceiveFunc func(chain *Datagram)

// UnreachableFunc reports an ICMP-style unreachable signal for a
// remote address.
type UnreachableFunc func(remote netip.AddrPort)

// BindingConfig describes the socket to create.
type BindingConfig struct {
	// Local is the requested local address; a zero AddrPort selects a
	// wildcard address and ephemeral port.
	Local netip.AddrPort
	// Remote, when valid, makes this a connected (4-tuple) binding.
	Remote netip.AddrPort
	// Compartment optionally names a network interface/compartment to
	// pin the socket to.
	Compartment string

	Receive     ReceiveFunc
	Unreachable UnreachableFunc
}

// Binding is an open UDP socket.
type Binding interface {
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort

	AllocSendContext() *SendContext
	FreeSendContext(ctx *SendContext)
	SendTo(remote netip.AddrPort, ctx *SendContext) error
	SendFromTo(local, remote netip.AddrPort, ctx *SendContext) error

	ReturnRecvDatagrams(chain *Datagram)

	// Delete closes the socket and blocks until all in-flight receive
	// callbacks have returned. After Delete no callback is running or
	// will run.
	Delete()
}

// Datapath creates bindings.
type Datapath interface {
	CreateBinding(cfg BindingConfig) (Binding, error)
}

// Hooks intercepts the datapath for tests. A nil Hooks means no
// interception.
type Hooks interface {
	// Receive may inspect or modify a received datagram; returning
	// true drops it.
	Receive(d *Datagram) (drop bool)
	// Send may inspect an outgoing send; returning true drops it (the
	// send still reports success).
	Send(remote, local netip.AddrPort, ctx *SendContext) (drop bool)
}
