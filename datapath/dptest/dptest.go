// Package dptest provides an in-memory datapath for tests: datagrams
// are injected directly, sends are recorded, and Delete honors the
// blocks-until-receive-drains contract so teardown races are testable.
package dptest

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/quicbind/datapath"
)

// Datapath is a mock datapath.Datapath.
type Datapath struct {
	mu       sync.Mutex
	bindings []*Binding

	// ReceiveDelay makes every injected receive callback sleep before
	// invoking the binding, to widen teardown race windows.
	ReceiveDelay time.Duration

	// FailCreate makes CreateBinding fail, for rollback tests.
	FailCreate error

	nextPort uint16
}

// New creates a mock datapath.
func New() *Datapath {
	return &Datapath{nextPort: 4430}
}

// CreateBinding implements datapath.Datapath.
func (m *Datapath) CreateBinding(cfg datapath.BindingConfig) (datapath.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return nil, m.FailCreate
	}
	local := cfg.Local
	if !local.IsValid() {
		m.nextPort++
		local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), m.nextPort)
	}
	b := &Binding{
		dp:          m,
		local:       local,
		remote:      cfg.Remote,
		recv:        cfg.Receive,
		unreachable: cfg.Unreachable,
	}
	m.bindings = append(m.bindings, b)
	return b, nil
}

// Sent is one recorded outbound send.
type Sent struct {
	Local   netip.AddrPort
	Remote  netip.AddrPort
	Buffers [][]byte
}

// Binding is a mock datapath.Binding.
type Binding struct {
	dp          *Datapath
	local       netip.AddrPort
	remote      netip.AddrPort
	recv        datapath.ReceiveFunc
	unreachable datapath.UnreachableFunc

	recvMu    sync.Mutex // serializes receive callbacks, as real datapaths do
	inflight  sync.WaitGroup
	inflightN atomic.Int32

	mu       sync.Mutex
	deleted  bool
	sent     []Sent
	returned int
}

func (b *Binding) LocalAddr() netip.AddrPort  { return b.local }
func (b *Binding) RemoteAddr() netip.AddrPort { return b.remote }

// Inject delivers one datagram chain to the binding's receive
// callback, synchronously, from the calling goroutine.
func (b *Binding) Inject(remote netip.AddrPort, buffers ...[]byte) {
	var chain, tail *datapath.Datagram
	for _, buf := range buffers {
		d := &datapath.Datagram{
			Buffer: buf,
			Tuple:  datapath.Tuple{Local: b.local, Remote: remote},
		}
		if tail == nil {
			chain = d
		} else {
			tail.Next = d
		}
		tail = d
	}
	b.InjectChain(chain)
}

// InjectChain delivers a pre-built chain.
func (b *Binding) InjectChain(chain *datapath.Datagram) {
	b.mu.Lock()
	if b.deleted {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	b.inflightN.Add(1)
	defer func() {
		b.inflightN.Add(-1)
		b.inflight.Done()
	}()

	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	if b.dp.ReceiveDelay > 0 {
		time.Sleep(b.dp.ReceiveDelay)
	}
	b.recv(chain)
}

// SignalUnreachable invokes the unreachable callback.
func (b *Binding) SignalUnreachable(remote netip.AddrPort) {
	if b.unreachable != nil {
		b.unreachable(remote)
	}
}

func (b *Binding) AllocSendContext() *datapath.SendContext {
	return &datapath.SendContext{}
}

func (b *Binding) FreeSendContext(ctx *datapath.SendContext) {
	ctx.Datagrams = nil
}

func (b *Binding) SendTo(remote netip.AddrPort, ctx *datapath.SendContext) error {
	return b.SendFromTo(b.local, remote, ctx)
}

func (b *Binding) SendFromTo(local, remote netip.AddrPort, ctx *datapath.SendContext) error {
	rec := Sent{Local: local, Remote: remote}
	for _, d := range ctx.Datagrams {
		rec.Buffers = append(rec.Buffers, append([]byte(nil), d.Buffer...))
	}
	b.mu.Lock()
	b.sent = append(b.sent, rec)
	b.mu.Unlock()
	b.FreeSendContext(ctx)
	return nil
}

func (b *Binding) ReturnRecvDatagrams(chain *datapath.Datagram) {
	n := datapath.ChainLength(chain)
	b.mu.Lock()
	b.returned += n
	b.mu.Unlock()
}

// Delete implements the blocking teardown contract.
func (b *Binding) Delete() {
	b.mu.Lock()
	b.deleted = true
	b.mu.Unlock()
	b.inflight.Wait()
}

// SentDatagrams returns a copy of everything sent so far.
func (b *Binding) SentDatagrams() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Sent(nil), b.sent...)
}

// ReturnedCount reports how many datagrams were handed back.
func (b *Binding) ReturnedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.returned
}

// InFlightCount reports receive callbacks currently executing.
func (b *Binding) InFlightCount() int {
	return int(b.inflightN.Load())
}

// Deleted reports whether Delete has completed its marking phase.
func (b *Binding) Deleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}
