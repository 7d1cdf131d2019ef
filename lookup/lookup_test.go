package lookup

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/bridgefall/quicbind/connection"
	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/library"
)

func testConn(t *testing.T, lib *library.Library, remote netip.AddrPort) *connection.Connection {
	t.Helper()
	conn, err := connection.New(lib, &datapath.Datagram{
		Tuple: datapath.Tuple{Remote: remote},
	})
	if err != nil {
		t.Fatalf("connection.New: %v", err)
	}
	return conn
}

func testLib(t *testing.T) *library.Library {
	t.Helper()
	lib, err := library.New(library.Settings{}, nil, nil)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}
	t.Cleanup(lib.Close)
	return lib
}

var remoteA = netip.MustParseAddrPort("192.0.2.1:1001")
var remoteB = netip.MustParseAddrPort("192.0.2.2:1002")

func TestSingleConnectionModeIgnoresCID(t *testing.T) {
	lib := testLib(t)
	l := New()
	conn := testConn(t, lib, remoteA)

	if !l.AddLocalCID(&connection.CIDEntry{CID: []byte{1, 2, 3}, Conn: conn}) {
		t.Fatalf("AddLocalCID failed")
	}

	// Exclusive bindings route by socket, not CID.
	got := l.FindByLocalCID([]byte{9, 9, 9})
	if got != conn {
		t.Fatalf("single-connection lookup did not return the connection")
	}
	got.Release(connection.RefLookupResult)
}

func TestTableModeMatchesExactCID(t *testing.T) {
	lib := testLib(t)
	l := New()
	connA := testConn(t, lib, remoteA)
	connB := testConn(t, lib, remoteB)

	cidA := []byte{0xaa, 1}
	cidB := []byte{0xbb, 2}
	if !l.AddLocalCID(&connection.CIDEntry{CID: cidA, Conn: connA}) {
		t.Fatalf("add A failed")
	}
	if !l.AddLocalCID(&connection.CIDEntry{CID: cidB, Conn: connB}) {
		t.Fatalf("add B failed")
	}

	if got := l.FindByLocalCID(cidB); got != connB {
		t.Fatalf("wrong connection for cidB")
	} else {
		got.Release(connection.RefLookupResult)
	}
	if got := l.FindByLocalCID([]byte{0xcc, 3}); got != nil {
		t.Fatalf("unknown CID matched")
	}

	// Duplicate CID insert fails.
	if l.AddLocalCID(&connection.CIDEntry{CID: cidA, Conn: connB}) {
		t.Fatalf("duplicate CID accepted")
	}
}

func TestMaximizePartitioningPreservesEntries(t *testing.T) {
	lib := testLib(t)
	l := New()

	var entries []*connection.CIDEntry
	for i := 0; i < 32; i++ {
		conn := testConn(t, lib, netip.MustParseAddrPort(fmt.Sprintf("192.0.2.9:%d", 2000+i)))
		e := &connection.CIDEntry{CID: []byte{byte(i), byte(i >> 4), 0x55}, Conn: conn}
		if !l.AddLocalCID(e) {
			t.Fatalf("add %d failed", i)
		}
		entries = append(entries, e)
	}

	if !l.MaximizePartitioning() {
		t.Fatalf("MaximizePartitioning failed")
	}

	for i, e := range entries {
		got := l.FindByLocalCID(e.CID)
		if got != e.Conn {
			t.Fatalf("entry %d lost after repartitioning", i)
		}
		got.Release(connection.RefLookupResult)
	}
}

func TestRemoveLocalCIDs(t *testing.T) {
	lib := testLib(t)
	l := New()
	conn := testConn(t, lib, remoteA)

	e1 := conn.FirstSourceCID()
	if !l.AddLocalCID(e1) {
		t.Fatalf("add failed")
	}
	e2 := &connection.CIDEntry{CID: []byte{7, 7, 7}, Conn: conn}
	conn.AddSourceCID(e2)
	if !l.AddLocalCID(e2) {
		t.Fatalf("add failed")
	}

	l.RemoveLocalCIDs(conn)
	if got := l.FindByLocalCID(e1.CID); got != nil {
		t.Fatalf("cid survived RemoveLocalCIDs")
	}
	if got := l.FindByLocalCID(e2.CID); got != nil {
		t.Fatalf("cid survived RemoveLocalCIDs")
	}
}

func TestRemoteHashInsertAndCollision(t *testing.T) {
	lib := testLib(t)
	l := New()
	connA := testConn(t, lib, remoteA)
	connB := testConn(t, lib, remoteA)
	scid := []byte{0x10, 0x20}

	inserted, existing := l.AddRemoteHash(connA, remoteA, scid)
	if !inserted || existing != nil {
		t.Fatalf("first insert: inserted=%v existing=%v", inserted, existing)
	}
	if connA.RemoteHashEntryRef() == nil {
		t.Fatalf("remote hash entry not recorded on connection")
	}

	inserted, existing = l.AddRemoteHash(connB, remoteA, scid)
	if inserted || existing != connA {
		t.Fatalf("collision: inserted=%v existing=%v", inserted, existing)
	}
	if connA.RefCount() != 2 {
		t.Fatalf("existing refcount = %d, want 2", connA.RefCount())
	}
	existing.Release(connection.RefLookupResult)

	if got := l.FindByRemoteHash(remoteA, scid); got != connA {
		t.Fatalf("remote hash find failed")
	} else {
		got.Release(connection.RefLookupResult)
	}

	l.RemoveRemoteHash(connA.RemoteHashEntryRef())
	if got := l.FindByRemoteHash(remoteA, scid); got != nil {
		t.Fatalf("remote hash survived removal")
	}
	if connA.RemoteHashEntryRef() != nil {
		t.Fatalf("entry pointer not cleared")
	}
}

func TestFindByRemoteAddr(t *testing.T) {
	lib := testLib(t)
	l := New()
	conn := testConn(t, lib, remoteA)

	if _, _ = l.AddRemoteHash(conn, remoteA, []byte{1}); conn.RemoteHashEntryRef() == nil {
		t.Fatalf("insert failed")
	}

	if got := l.FindByRemoteAddr(remoteA); got != conn {
		t.Fatalf("FindByRemoteAddr missed")
	} else {
		got.Release(connection.RefLookupResult)
	}
	if got := l.FindByRemoteAddr(remoteB); got != nil {
		t.Fatalf("FindByRemoteAddr matched wrong remote")
	}
}

func TestMoveLocalCIDs(t *testing.T) {
	lib := testLib(t)
	src, dst := New(), New()
	conn := testConn(t, lib, remoteA)
	e := conn.FirstSourceCID()
	if !src.AddLocalCID(e) {
		t.Fatalf("add failed")
	}

	MoveLocalCIDs(src, dst, conn)

	if got := src.FindByLocalCID(e.CID); got == conn {
		got.Release(connection.RefLookupResult)
		t.Fatalf("cid still in source lookup")
	} else if got != nil {
		got.Release(connection.RefLookupResult)
	}
	got := dst.FindByLocalCID(e.CID)
	if got != conn {
		t.Fatalf("cid not moved to destination lookup")
	}
	got.Release(connection.RefLookupResult)
}
