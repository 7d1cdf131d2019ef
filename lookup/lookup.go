// Package lookup maps received packets to connections. Two structures
// back it: a local-CID table, partitioned for parallel receive paths,
// and a remote-hash table keyed by (remote address, peer source CID)
// for server-side long-header packets whose destination CID carries no
// locality.
//
// Every successful find hands out the connection with its LookupResult
// reference already acquired; the caller owns releasing it.
package lookup

import (
	"hash/fnv"
	"net/netip"
	"runtime"
	"sync"

	"github.com/bridgefall/quicbind/connection"
)

type remoteKey struct {
	remote netip.AddrPort
	scid   string
}

type partition struct {
	mu   sync.RWMutex
	cids map[string]*connection.CIDEntry
}

// Lookup is one binding's connection lookup state.
type Lookup struct {
	mu         sync.RWMutex
	single     *connection.CIDEntry // single-connection mode; nil once partitioned
	partitions []*partition         // nil in single-connection mode

	remoteMu sync.RWMutex
	remote   map[remoteKey]*connection.RemoteHashEntry
}

// New creates an empty lookup in single-connection mode.
func New() *Lookup {
	return &Lookup{remote: make(map[remoteKey]*connection.RemoteHashEntry)}
}

func (l *Lookup) partitionFor(cid []byte) *partition {
	if len(l.partitions) == 1 {
		return l.partitions[0]
	}
	h := fnv.New32a()
	_, _ = h.Write(cid)
	return l.partitions[h.Sum32()%uint32(len(l.partitions))]
}

// convertToTableLocked replaces the local-CID storage with an
// n-partition table, migrating the single-connection entry and every
// entry of the previous partitions. Caller holds l.mu exclusively.
func (l *Lookup) convertToTableLocked(n int) {
	parts := make([]*partition, n)
	for i := range parts {
		parts[i] = &partition{cids: make(map[string]*connection.CIDEntry)}
	}
	old := l.partitions
	l.partitions = parts
	if l.single != nil {
		l.partitionFor(l.single.CID).cids[string(l.single.CID)] = l.single
		l.single = nil
	}
	for _, p := range old {
		for k, e := range p.cids {
			l.partitionFor(e.CID).cids[k] = e
		}
	}
}

// MaximizePartitioning grows the local-CID table to one partition per
// processor, so parallel receive paths do not serialize on one lock.
// Idempotent.
func (l *Lookup) MaximizePartitioning() bool {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partitions) >= n {
		return true
	}
	l.convertToTableLocked(n)
	return true
}

// AddLocalCID inserts a CID-to-connection mapping. It fails when the
// CID is already mapped, whichever connection owns the mapping.
func (l *Lookup) AddLocalCID(e *connection.CIDEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.partitions == nil {
		if l.single == nil {
			l.single = e
			return true
		}
		l.convertToTableLocked(1)
	}

	p := l.partitionFor(e.CID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.cids[string(e.CID)]; exists {
		return false
	}
	p.cids[string(e.CID)] = e
	return true
}

// RemoveLocalCID removes one CID mapping.
func (l *Lookup) RemoveLocalCID(e *connection.CIDEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.partitions == nil {
		if l.single == e {
			l.single = nil
		}
		return
	}
	p := l.partitionFor(e.CID)
	p.mu.Lock()
	if p.cids[string(e.CID)] == e {
		delete(p.cids, string(e.CID))
	}
	p.mu.Unlock()
}

// RemoveLocalCIDs removes every CID mapping belonging to conn.
func (l *Lookup) RemoveLocalCIDs(conn *connection.Connection) {
	for _, e := range conn.SourceCIDs() {
		l.RemoveLocalCID(e)
	}
}

// MoveLocalCIDs migrates all of conn's CID mappings from src to dst.
// Used when a connection rebinds to a different local socket.
func MoveLocalCIDs(src, dst *Lookup, conn *connection.Connection) {
	for _, e := range conn.SourceCIDs() {
		src.RemoveLocalCID(e)
		dst.AddLocalCID(e)
	}
}

// FindByLocalCID returns the connection owning cid, with a
// LookupResult reference, or nil. In single-connection mode the CID is
// not consulted: an exclusive binding routes everything to its one
// connection.
func (l *Lookup) FindByLocalCID(cid []byte) *connection.Connection {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.partitions == nil {
		if l.single == nil {
			return nil
		}
		conn := l.single.Conn
		conn.AddRef(connection.RefLookupResult)
		return conn
	}

	p := l.partitionFor(cid)
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cids[string(cid)]
	if !ok {
		return nil
	}
	e.Conn.AddRef(connection.RefLookupResult)
	return e.Conn
}

// AddRemoteHash inserts a (remote, source CID) mapping for conn, or
// finds the connection already there. On collision the existing
// connection is returned with a LookupResult reference and inserted is
// false; the lookup is the authoritative deduplicator for concurrent
// creates.
func (l *Lookup) AddRemoteHash(conn *connection.Connection, remote netip.AddrPort, sourceCID []byte) (inserted bool, existing *connection.Connection) {
	key := remoteKey{remote: remote, scid: string(sourceCID)}

	l.remoteMu.Lock()
	defer l.remoteMu.Unlock()
	if e, ok := l.remote[key]; ok {
		e.Conn.AddRef(connection.RefLookupResult)
		return false, e.Conn
	}
	e := &connection.RemoteHashEntry{
		Conn:      conn,
		Remote:    remote,
		SourceCID: append([]byte(nil), sourceCID...),
	}
	l.remote[key] = e
	conn.SetRemoteHashEntry(e)
	return true, nil
}

// RemoveRemoteHash removes a remote-hash entry.
func (l *Lookup) RemoveRemoteHash(e *connection.RemoteHashEntry) {
	key := remoteKey{remote: e.Remote, scid: string(e.SourceCID)}
	l.remoteMu.Lock()
	if l.remote[key] == e {
		delete(l.remote, key)
	}
	l.remoteMu.Unlock()
	e.Conn.SetRemoteHashEntry(nil)
}

// FindByRemoteHash returns the handshaking connection for (remote,
// source CID), with a LookupResult reference, or nil.
func (l *Lookup) FindByRemoteHash(remote netip.AddrPort, sourceCID []byte) *connection.Connection {
	key := remoteKey{remote: remote, scid: string(sourceCID)}
	l.remoteMu.RLock()
	defer l.remoteMu.RUnlock()
	e, ok := l.remote[key]
	if !ok {
		return nil
	}
	e.Conn.AddRef(connection.RefLookupResult)
	return e.Conn
}

// FindByRemoteAddr returns any connection whose peer is remote, with a
// LookupResult reference, or nil. Used for unreachable dispatch.
func (l *Lookup) FindByRemoteAddr(remote netip.AddrPort) *connection.Connection {
	l.remoteMu.RLock()
	for key, e := range l.remote {
		if key.remote == remote {
			e.Conn.AddRef(connection.RefLookupResult)
			l.remoteMu.RUnlock()
			return e.Conn
		}
	}
	l.remoteMu.RUnlock()

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.partitions == nil && l.single != nil && l.single.Conn.Remote == remote {
		conn := l.single.Conn
		conn.AddRef(connection.RefLookupResult)
		return conn
	}
	for _, p := range l.partitions {
		p.mu.RLock()
		for _, e := range p.cids {
			if e.Conn.Remote == remote {
				e.Conn.AddRef(connection.RefLookupResult)
				p.mu.RUnlock()
				return e.Conn
			}
		}
		p.mu.RUnlock()
	}
	return nil
}
