package binding

import (
	"bytes"
	"net/netip"

	"github.com/bridgefall/quicbind/connection"
	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/lookup"
	"github.com/bridgefall/quicbind/wire"
	"github.com/bridgefall/quicbind/worker"
)

// Receive is the datapath receive callback. It runs on the datapath's
// reader, must not block, and must account for every datagram: each is
// either retained (connection queue or stateless context) or returned.
//
// The chain is split into subchains by destination CID, handshake
// packets sorted to each subchain's front, and each subchain delivered
// independently.
func (b *Binding) Receive(chain *datapath.Datagram) {
	var releaseHead, releaseTail *datapath.Datagram
	release := func(head, tail *datapath.Datagram) {
		if head == nil {
			return
		}
		if releaseTail == nil {
			releaseHead = head
		} else {
			releaseTail.Next = head
		}
		releaseTail = tail
	}

	var subHead, subTail *datapath.Datagram // current subchain
	var subHSTail *datapath.Datagram        // last handshake packet in subchain
	subLen := 0

	deliverSub := func() {
		if subHead == nil {
			return
		}
		if !b.deliver(subHead, subLen) {
			release(subHead, subTail)
		}
		subHead, subTail, subHSTail = nil, nil, nil
		subLen = 0
	}

	for chain != nil {
		dg := chain
		chain = dg.Next
		dg.Next = nil
		b.Metrics.RecvDatagrams.Add(1)

		if hooks := b.lib.TestHooks; hooks != nil {
			if hooks.Receive(dg) {
				b.logDrop(DropTestHook, dg.Tuple.Remote, "test dropped")
				release(dg, dg)
				continue
			}
		}

		ok, releaseDg := b.preprocessDatagram(dg)
		if !ok {
			if releaseDg {
				release(dg, dg)
			}
			continue
		}

		pkt := &dg.Packet

		// A new destination CID ends the current subchain. Exclusive
		// bindings route everything to one connection and skip the
		// split.
		if !b.exclusive && subHead != nil {
			headPkt := &subHead.Packet
			if len(pkt.DestCID) != len(headPkt.DestCID) ||
				!bytes.Equal(pkt.DestCID, headPkt.DestCID) {
				deliverSub()
			}
		}

		// Handshake packets go to the front region of the subchain so
		// the head packet always determines whether the subchain can
		// create a connection; data packets append at the tail.
		subLen++
		if !pkt.IsHandshake() {
			if subTail == nil {
				subHead, subTail = dg, dg
			} else {
				subTail.Next = dg
				subTail = dg
			}
		} else {
			switch {
			case subHSTail == nil && subHead == nil:
				subHead, subTail, subHSTail = dg, dg, dg
			case subHSTail == nil:
				dg.Next = subHead
				subHead = dg
				subHSTail = dg
			default:
				dg.Next = subHSTail.Next
				subHSTail.Next = dg
				if subTail == subHSTail {
					subTail = dg
				}
				subHSTail = dg
			}
		}
	}

	deliverSub()

	if releaseHead != nil {
		b.dp.ReturnRecvDatagrams(releaseHead)
	}
}

// preprocessDatagram validates the header invariants and handles the
// unsupported-version edge: a long header with an unknown version is
// answered with Version Negotiation when a listener is registered and
// dropped otherwise. Returns ok=false when the datagram must not
// continue down the pipeline; releaseDg then says whether the caller
// still owns it.
func (b *Binding) preprocessDatagram(dg *datapath.Datagram) (ok, releaseDg bool) {
	pkt := &dg.Packet
	pkt.Reset(dg.Buffer)

	shortCIDLen := b.lib.Settings.CIDLength
	if b.exclusive {
		shortCIDLen = 0
	}
	if err := pkt.ValidateInvariant(shortCIDLen); err != nil {
		b.logDrop(DropInvalidHeader, dg.Tuple.Remote, err.Error())
		return false, true
	}

	if !pkt.IsShortHeader &&
		pkt.Version != wire.VersionNegotiationSentinel &&
		!b.lib.IsVersionSupported(pkt.Version) {
		if !b.HasListenerRegistered() {
			b.logDrop(DropNoListenerForVN, dg.Tuple.Remote, "no listener to send VN")
			return false, true
		}
		queued := b.queueStatelessOperation(worker.OperVersionNegotiation, dg)
		return false, !queued
	}

	return true, false
}

// deliver routes one subchain: look up the owning connection, or
// decide between stateless reset, retry, connection creation and drop.
// Returns false when the caller should return the subchain to the
// datapath.
func (b *Binding) deliver(sub *datapath.Datagram, subLen int) bool {
	pkt := &sub.Packet

	// Client bindings always control the destination CID, as do short
	// header packets on servers. Server long-header packets carry a
	// client-chosen destination CID with no locality, so they route by
	// (remote address, source CID) instead.
	var conn *connection.Connection
	if !b.serverOwned || pkt.IsShortHeader {
		conn = b.lookup.FindByLocalCID(pkt.DestCID)
	} else {
		conn = b.lookup.FindByRemoteHash(sub.Tuple.Remote, pkt.SourceCID)
	}

	if conn == nil {
		// The subchain is ordered handshake-first, so the head packet
		// decides whether a new connection can be created.

		if b.exclusive {
			b.logDrop(DropExclusiveNoMatch, sub.Tuple.Remote, "no connection on exclusive binding")
			return false
		}

		if pkt.IsShortHeader {
			return b.queueStatelessReset(sub)
		}

		if pkt.Version == wire.VersionNegotiationSentinel {
			b.logDrop(DropVNUnmatched, sub.Tuple.Remote, "version negotiation packet not matched with a connection")
			return false
		}

		if pkt.LongHeaderType != wire.PacketTypeInitial {
			b.logDrop(DropNonInitial, sub.Tuple.Remote, "non-initial packet not matched with a connection")
			return false
		}

		if err := pkt.ValidateLongHeaderV1(true); err != nil {
			b.logDrop(DropInvalidLongHeader, sub.Tuple.Remote, err.Error())
			return false
		}

		if !b.HasListenerRegistered() {
			b.logDrop(DropNoListener, sub.Tuple.Remote, "no listeners registered to accept new connection")
			return false
		}

		retry, drop := b.shouldRetryConnection(pkt, sub)
		switch {
		case retry:
			return b.queueStatelessOperation(worker.OperRetry, sub)
		case drop:
			return false
		default:
			conn = b.createConnection(sub)
		}
	}

	if conn == nil {
		return false
	}
	conn.QueueRecvDatagrams(sub, subLen)
	conn.Release(connection.RefLookupResult)
	return true
}

// createConnection initializes a connection for the Initial at the
// head of the subchain. The remote-hash insert is the authoritative
// deduplicator: a concurrent create for the same (remote, source CID)
// returns the existing connection and the loser is silently shut down
// through its pre-allocated back-up operation, so this error path
// never allocates.
func (b *Binding) createConnection(dg *datapath.Datagram) *connection.Connection {
	pkt := &dg.Packet

	newConn, err := connection.New(b.lib, dg)
	if err != nil {
		b.logDrop(DropConnInitFailed, dg.Tuple.Remote, err.Error())
		return nil
	}
	newConn.AddRef(connection.RefLookupResult)

	bindingRefAdded := false
	var existing *connection.Connection

	w, werr := b.lib.GetWorker()
	if werr != nil || w.Overloaded() {
		b.Metrics.WorkerOverloadDrops.Add(1)
		b.logDrop(DropWorkerOverloaded, dg.Tuple.Remote, "worker overloaded")
		goto fail
	}
	newConn.AssignWorker(w)

	// The connection must be fully set up before it becomes reachable
	// through the lookup; other receive paths may deliver to it the
	// moment the insert lands.
	if !b.TryAddRef() {
		b.logDrop(DropCleanupInProgress, dg.Tuple.Remote, "clean up in progress")
		goto fail
	}
	bindingRefAdded = true
	newConn.Binding = b

	if inserted, found := b.lookup.AddRemoteHash(newConn, dg.Tuple.Remote, pkt.SourceCID); !inserted {
		existing = found
		if existing == nil {
			b.logDrop(DropRemoteHashInsert, dg.Tuple.Remote, "failed to insert remote hash")
		} else {
			b.Metrics.ConnectionCollisions.Add(1)
		}
		goto fail
	}

	b.Metrics.ConnectionsCreated.Add(1)
	return newConn

fail:
	newConn.ClearSourceCIDs()
	newConn.Release(connection.RefLookupResult)

	if bindingRefAdded {
		// The binding reference cannot be dropped on the receive
		// thread; queue the pre-allocated shutdown, which releases it
		// on the worker.
		newConn.QueueSilentShutdown()
	} else {
		newConn.Release(connection.RefHandleOwner)
	}
	return existing
}

// unreachable is the datapath unreachable callback; it signals the
// connection talking to the reported remote, if any.
func (b *Binding) unreachable(remote netip.AddrPort) {
	conn := b.lookup.FindByRemoteAddr(remote)
	if conn == nil {
		return
	}
	conn.QueueUnreachable(remote)
	conn.Release(connection.RefLookupResult)
}

// AddSourceConnectionID registers a new locally owned CID mapping for
// a connection. Fails on collision.
func (b *Binding) AddSourceConnectionID(e *connection.CIDEntry) bool {
	return b.lookup.AddLocalCID(e)
}

// RemoveSourceConnectionID removes a CID mapping.
func (b *Binding) RemoveSourceConnectionID(e *connection.CIDEntry) {
	b.lookup.RemoveLocalCID(e)
}

// RemoveConnection removes every lookup trace of a connection.
func (b *Binding) RemoveConnection(conn *connection.Connection) {
	if e := conn.RemoteHashEntryRef(); e != nil {
		b.lookup.RemoveRemoteHash(e)
	}
	b.lookup.RemoveLocalCIDs(conn)
}

// MoveSourceConnectionIDs migrates a rebinding connection's CIDs from
// one binding's lookup to another's.
func MoveSourceConnectionIDs(src, dst *Binding, conn *connection.Connection) {
	lookup.MoveLocalCIDs(src.lookup, dst.lookup, conn)
}

// OnConnectionHandshakeConfirmed drops the connection's remote-hash
// entry: once the handshake completes, routing is by local CID only.
func (b *Binding) OnConnectionHandshakeConfirmed(conn *connection.Connection) {
	if e := conn.RemoteHashEntryRef(); e != nil {
		b.lookup.RemoveRemoteHash(e)
	}
	conn.HandshakeConfirmed()
}
