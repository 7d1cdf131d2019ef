package datapath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/bridgefall/quicbind/commons/logkit"
)

const (
	recvBufferSize = 2048
	recvBatchSize  = 8
)

// UDP is the production datapath over kernel UDP sockets, reading in
// batches via x/net.
type UDP struct {
	logger    *slog.Logger
	bufPool   sync.Pool
	dgramPool sync.Pool
}

// NewUDP creates a UDP datapath.
func NewUDP(logger *slog.Logger) *UDP {
	u := &UDP{logger: logkit.Resolve(logger)}
	u.bufPool.New = func() any {
		b := make([]byte, recvBufferSize)
		return &b
	}
	u.dgramPool.New = func() any { return new(Datagram) }
	return u
}

// CreateBinding opens the socket described by cfg and starts its
// reader. The reader invokes cfg.Receive serialized, one chain per
// batch.
func (u *UDP) CreateBinding(cfg BindingConfig) (Binding, error) {
	if cfg.Receive == nil {
		return nil, errors.New("datapath: receive callback required")
	}

	lc := net.ListenConfig{}
	if cfg.Compartment != "" {
		lc.Control = compartmentControl(cfg.Compartment)
	}

	laddr := ":0"
	if cfg.Local.IsValid() {
		laddr = cfg.Local.String()
	}
	var conn *net.UDPConn
	if cfg.Remote.IsValid() {
		d := net.Dialer{Control: lc.Control}
		if cfg.Local.IsValid() {
			d.LocalAddr = net.UDPAddrFromAddrPort(cfg.Local)
		}
		c, err := d.DialContext(context.Background(), "udp", cfg.Remote.String())
		if err != nil {
			return nil, fmt.Errorf("datapath: dial %s from %s: %w", cfg.Remote, laddr, err)
		}
		conn = c.(*net.UDPConn)
	} else {
		pc, err := lc.ListenPacket(context.Background(), "udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("datapath: listen %s: %w", laddr, err)
		}
		conn = pc.(*net.UDPConn)
	}

	b := &udpBinding{
		u:           u,
		conn:        conn,
		remote:      cfg.Remote,
		recv:        cfg.Receive,
		unreachable: cfg.Unreachable,
	}
	b.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if b.local.Addr().Is4() || b.local.Addr().Is4In6() {
		b.p4 = ipv4.NewPacketConn(conn)
	} else {
		b.p6 = ipv6.NewPacketConn(conn)
	}

	b.readers.Add(1)
	go b.readLoop()
	return b, nil
}

type udpBinding struct {
	u           *UDP
	conn        *net.UDPConn
	p4          *ipv4.PacketConn
	p6          *ipv6.PacketConn
	local       netip.AddrPort
	remote      netip.AddrPort
	recv        ReceiveFunc
	unreachable UnreachableFunc
	readers     sync.WaitGroup
	closed      atomic.Bool
}

func (b *udpBinding) LocalAddr() netip.AddrPort  { return b.local }
func (b *udpBinding) RemoteAddr() netip.AddrPort { return b.remote }

func (b *udpBinding) readLoop() {
	defer b.readers.Done()

	msgs := make([]ipv6.Message, recvBatchSize)
	for i := range msgs {
		buf := b.u.bufPool.Get().(*[]byte)
		msgs[i].Buffers = [][]byte{*buf}
	}

	for {
		var n int
		var err error
		if b.p6 != nil {
			n, err = b.p6.ReadBatch(msgs, 0)
		} else {
			n, err = b.p4.ReadBatch(msgs, 0)
		}
		if err != nil {
			if b.closed.Load() {
				return
			}
			if b.remote.IsValid() && errors.Is(err, syscall.ECONNREFUSED) {
				if b.unreachable != nil {
					b.unreachable(b.remote)
				}
				continue
			}
			b.u.logger.Warn("datapath read failed", "local", b.local, "err", err)
			continue
		}

		var chain, tail *Datagram
		for i := 0; i < n; i++ {
			m := &msgs[i]
			remote := m.Addr.(*net.UDPAddr).AddrPort()
			if b.remote.IsValid() && remote != b.remote {
				continue
			}
			raw := m.Buffers[0]
			d := b.u.dgramPool.Get().(*Datagram)
			*d = Datagram{
				Buffer: raw[:m.N],
				Tuple:  Tuple{Local: b.local, Remote: remote},
				raw:    raw,
			}
			if tail == nil {
				chain = d
			} else {
				tail.Next = d
			}
			tail = d

			buf := b.u.bufPool.Get().(*[]byte)
			m.Buffers[0] = *buf
		}
		if chain != nil {
			b.recv(chain)
		}
	}
}

func (b *udpBinding) AllocSendContext() *SendContext {
	return &SendContext{}
}

func (b *udpBinding) FreeSendContext(ctx *SendContext) {
	ctx.Datagrams = nil
}

func (b *udpBinding) SendTo(remote netip.AddrPort, ctx *SendContext) error {
	return b.send(remote, ctx)
}

func (b *udpBinding) SendFromTo(local, remote netip.AddrPort, ctx *SendContext) error {
	if local.IsValid() && local != b.local {
		return fmt.Errorf("datapath: send from %s on binding bound to %s", local, b.local)
	}
	return b.send(remote, ctx)
}

func (b *udpBinding) send(remote netip.AddrPort, ctx *SendContext) error {
	var firstErr error
	for _, d := range ctx.Datagrams {
		var err error
		if b.remote.IsValid() {
			_, err = b.conn.Write(d.Buffer)
		} else {
			_, err = b.conn.WriteToUDPAddrPort(d.Buffer, remote)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.FreeSendContext(ctx)
	return firstErr
}

func (b *udpBinding) ReturnRecvDatagrams(chain *Datagram) {
	for chain != nil {
		next := chain.Next
		if chain.raw != nil {
			raw := chain.raw
			b.u.bufPool.Put(&raw)
		}
		*chain = Datagram{}
		b.u.dgramPool.Put(chain)
		chain = next
	}
}

func (b *udpBinding) Delete() {
	b.closed.Store(true)
	_ = b.conn.Close()
	b.readers.Wait()
}
