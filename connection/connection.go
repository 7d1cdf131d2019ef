// Package connection provides the connection collaborator the binding
// layer hands packets to: a refcounted object with a worker-affine
// receive queue and a pre-allocated back-up shutdown operation so that
// failure cleanup on the receive path never allocates.
package connection

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/library"
	"github.com/bridgefall/quicbind/worker"
)

// Ref names the role a connection reference is held for.
type Ref int

const (
	// RefHandleOwner is the creating owner's reference.
	RefHandleOwner Ref = iota
	// RefLookupResult is held by anyone who obtained the connection
	// from a lookup (or a remote-hash collision).
	RefLookupResult
	// RefWorker is the role for a reference held on behalf of a worker.
	// AssignWorker does not take one.
	RefWorker

	refCount
)

// CIDEntry maps one locally owned CID to its connection. Entries are
// owned by the connection and linked into the binding's lookup.
type CIDEntry struct {
	CID  []byte
	Conn *Connection
}

// RemoteHashEntry maps (remote address, peer source CID) to a
// connection during the handshake.
type RemoteHashEntry struct {
	Conn      *Connection
	Remote    netip.AddrPort
	SourceCID []byte
}

// BindingRef is the reference a connection holds on its binding.
// Stored as a plain interface value so the creation failure path can
// install it without allocating.
type BindingRef interface {
	Release()
}

// Connection is a minimal QUIC connection: enough state for lookup,
// delivery and teardown. Packet processing proper is the concern of
// the full connection state machine, reached through Receiver.
type Connection struct {
	lib *library.Library

	// Binding is the owning binding's counted reference, released on
	// teardown.
	Binding BindingRef

	refs     atomic.Int32
	refKinds [refCount]atomic.Int32

	Worker *worker.Worker

	// Receiver, when set, is invoked on the connection's worker with
	// each drained receive chain.
	Receiver func(chain *datapath.Datagram, count int)

	Remote netip.AddrPort

	mu         sync.Mutex
	sourceCIDs []*CIDEntry
	remoteHash *RemoteHashEntry
	recvHead   *datapath.Datagram
	recvTail   *datapath.Datagram
	recvCount  int
	recvQueued bool

	lastUnreachable netip.AddrPort

	backUpOperUsed atomic.Bool
	backUpOper     worker.Operation

	shuttingDown    atomic.Bool
	memoryCharged   atomic.Bool
	bindingReleased atomic.Bool
	handshakeCost   int64
}

// New initializes a connection for the peer that sent dg, with one
// freshly generated source CID and handshake memory accounted.
func New(lib *library.Library, dg *datapath.Datagram) (*Connection, error) {
	cid := make([]byte, lib.Settings.CIDLength)
	if _, err := rand.Read(cid); err != nil {
		return nil, fmt.Errorf("source cid: %w", err)
	}

	c := &Connection{
		lib:           lib,
		Remote:        dg.Tuple.Remote,
		handshakeCost: lib.Settings.HandshakeConnectionCost,
	}
	c.refs.Store(1)
	c.refKinds[RefHandleOwner].Store(1)
	c.sourceCIDs = []*CIDEntry{{CID: cid, Conn: c}}
	c.memoryCharged.Store(true)
	lib.AddHandshakeMemory(c.handshakeCost)

	c.backUpOper = worker.Operation{
		Type: worker.OperConnShutdown,
		Run:  c.silentShutdown,
	}
	return c, nil
}

// AddRef takes a reference in the given role.
func (c *Connection) AddRef(ref Ref) {
	c.refKinds[ref].Add(1)
	c.refs.Add(1)
}

// Release drops a reference. The last release uncharges handshake
// memory.
func (c *Connection) Release(ref Ref) {
	c.refKinds[ref].Add(-1)
	if c.refs.Add(-1) == 0 {
		c.unchargeMemory()
	}
}

// RefCount returns the total outstanding references. Test use.
func (c *Connection) RefCount() int {
	return int(c.refs.Load())
}

// AssignWorker pins the connection to a worker.
func (c *Connection) AssignWorker(w *worker.Worker) {
	c.Worker = w
}

// FirstSourceCID returns the connection's initial source CID entry.
func (c *Connection) FirstSourceCID() *CIDEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sourceCIDs) == 0 {
		return nil
	}
	return c.sourceCIDs[0]
}

// SourceCIDs returns a snapshot of the connection's CID entries.
func (c *Connection) SourceCIDs() []*CIDEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*CIDEntry(nil), c.sourceCIDs...)
}

// AddSourceCID records a new locally owned CID (after lookup insert).
func (c *Connection) AddSourceCID(e *CIDEntry) {
	c.mu.Lock()
	c.sourceCIDs = append(c.sourceCIDs, e)
	c.mu.Unlock()
}

// RemoveSourceCID forgets a CID entry.
func (c *Connection) RemoveSourceCID(e *CIDEntry) {
	c.mu.Lock()
	for i, have := range c.sourceCIDs {
		if have == e {
			c.sourceCIDs = append(c.sourceCIDs[:i], c.sourceCIDs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// ClearSourceCIDs drops all CID entries (creation failure path).
func (c *Connection) ClearSourceCIDs() {
	c.mu.Lock()
	c.sourceCIDs = nil
	c.mu.Unlock()
}

// SetRemoteHashEntry is called by the lookup when inserting or
// removing the connection's remote-hash entry.
func (c *Connection) SetRemoteHashEntry(e *RemoteHashEntry) {
	c.mu.Lock()
	c.remoteHash = e
	c.mu.Unlock()
}

// RemoteHashEntryRef returns the current remote-hash entry, if any.
func (c *Connection) RemoteHashEntryRef() *RemoteHashEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteHash
}

// QueueRecvDatagrams appends a datagram chain to the receive queue,
// preserving arrival order, and schedules a drain on the connection's
// worker if one is not already pending.
func (c *Connection) QueueRecvDatagrams(chain *datapath.Datagram, count int) {
	if chain == nil {
		return
	}
	tail := chain
	for tail.Next != nil {
		tail = tail.Next
	}

	c.mu.Lock()
	if c.recvTail == nil {
		c.recvHead = chain
	} else {
		c.recvTail.Next = chain
	}
	c.recvTail = tail
	c.recvCount += count
	schedule := !c.recvQueued && c.Worker != nil
	if schedule {
		c.recvQueued = true
	}
	c.mu.Unlock()

	if schedule {
		c.Worker.MustQueue(&worker.Operation{
			Type: worker.OperConnRecv,
			Run:  c.drainRecv,
		})
	}
}

// DrainRecvQueue removes and returns all queued datagrams. Used by the
// worker drain and by tests observing delivery.
func (c *Connection) DrainRecvQueue() (*datapath.Datagram, int) {
	c.mu.Lock()
	chain, count := c.recvHead, c.recvCount
	c.recvHead, c.recvTail, c.recvCount = nil, nil, 0
	c.recvQueued = false
	c.mu.Unlock()
	return chain, count
}

func (c *Connection) drainRecv() {
	chain, count := c.DrainRecvQueue()
	if chain == nil {
		return
	}
	if r := c.Receiver; r != nil {
		r(chain, count)
	}
}

// QueueSilentShutdown schedules teardown on the connection's worker
// using the pre-allocated back-up operation. The claim is a
// compare-and-swap so the operation is used at most once, and the call
// never allocates.
func (c *Connection) QueueSilentShutdown() {
	if !c.backUpOperUsed.CompareAndSwap(false, true) {
		return
	}
	if c.Worker != nil {
		c.Worker.MustQueue(&c.backUpOper)
	} else {
		c.silentShutdown()
	}
}

func (c *Connection) silentShutdown() {
	c.shuttingDown.Store(true)
	c.unchargeMemory()
	c.DrainRecvQueue()
	if c.Binding != nil && c.bindingReleased.CompareAndSwap(false, true) {
		c.Binding.Release()
	}
	c.Release(RefHandleOwner)
}

// ShuttingDown reports whether a silent shutdown has run.
func (c *Connection) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// HandshakeConfirmed uncharges the connection's handshake memory once
// the handshake completes.
func (c *Connection) HandshakeConfirmed() {
	c.unchargeMemory()
}

func (c *Connection) unchargeMemory() {
	if c.memoryCharged.CompareAndSwap(true, false) {
		c.lib.ReleaseHandshakeMemory(c.handshakeCost)
	}
}

// QueueUnreachable signals a path-unreachable event. The minimal
// collaborator records it; a full state machine would retire the path.
func (c *Connection) QueueUnreachable(remote netip.AddrPort) {
	c.mu.Lock()
	c.lastUnreachable = remote
	c.mu.Unlock()
}

// LastUnreachable returns the most recent unreachable signal.
func (c *Connection) LastUnreachable() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUnreachable
}
