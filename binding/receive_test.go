package binding

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bridgefall/quicbind/connection"
	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/library"
	"github.com/bridgefall/quicbind/wire"
)

func TestVersionNegotiationScenario(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: true})
	addTestListener(t, b, "h3")

	dcid := []byte{0xa1, 0xa2}
	scid := []byte{0xb1, 0xb2, 0xb3}
	packet := wire.EncodeInitialV1(0xabcd1234, dcid, scid, nil, []byte{0x00})
	mb.Inject(remoteAt(9001), packet)

	waitFor(t, "VN sent", func() bool { return len(mb.SentDatagrams()) == 1 })

	sent := mb.SentDatagrams()[0]
	if sent.Remote != remoteAt(9001) {
		t.Fatalf("VN remote = %v", sent.Remote)
	}
	vn := sent.Buffers[0]
	if vn[0]&0x80 == 0 {
		t.Fatalf("VN missing long header bit")
	}
	if vn[0]&0x7f == 0 {
		t.Logf("random unused bits are zero; allowed but unlikely")
	}
	if binary.BigEndian.Uint32(vn[1:5]) != 0 {
		t.Fatalf("VN version field = %x", vn[1:5])
	}
	wantCIDs := []byte{0x03, 0xb1, 0xb2, 0xb3, 0x02, 0xa1, 0xa2}
	if !bytes.Equal(vn[5:5+len(wantCIDs)], wantCIDs) {
		t.Fatalf("VN cid section = %x, want %x", vn[5:5+len(wantCIDs)], wantCIDs)
	}
	versions := vn[5+len(wantCIDs):]
	if binary.LittleEndian.Uint32(versions[:4]) != b.RandomReservedVersion() {
		t.Fatalf("VN reserved version = %x", versions[:4])
	}
	rest := versions[4:]
	if len(rest) != 4*len(lib.SupportedVersions) {
		t.Fatalf("VN supported list length = %d", len(rest))
	}
	for i, v := range lib.SupportedVersions {
		if got := binary.LittleEndian.Uint32(rest[i*4:]); got != v {
			t.Fatalf("VN supported[%d] = %#x, want %#x", i, got, v)
		}
	}
}

func TestUnknownVersionWithoutListenerDrops(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: true})

	packet := wire.EncodeInitialV1(0xabcd1234, []byte{0xa1, 0xa2}, []byte{0xb1}, nil, []byte{0x00})
	mb.Inject(remoteAt(9002), packet)

	if got := mb.ReturnedCount(); got != 1 {
		t.Fatalf("returned = %d, want 1", got)
	}
	if b.StatelessOperationCount() != 0 {
		t.Fatalf("stateless op queued without listener")
	}
}

func TestStatelessResetScenario(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: true})

	dcid := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	recvLen := 120
	mb.Inject(remoteAt(9003), shortHeaderPacket(dcid, recvLen, true))

	waitFor(t, "SR sent", func() bool { return len(mb.SentDatagrams()) == 1 })

	sr := mb.SentDatagrams()[0].Buffers[0]
	if len(sr) < wire.MinStatelessResetLength || len(sr) >= recvLen {
		t.Fatalf("SR length %d outside [%d, %d)", len(sr), wire.MinStatelessResetLength, recvLen)
	}
	if sr[0]&0x80 != 0 {
		t.Fatalf("SR must look like a short header packet")
	}
	if sr[0]&0x40 == 0 {
		t.Fatalf("SR fixed bit missing")
	}
	if sr[0]&0x04 == 0 {
		t.Fatalf("SR key phase not copied from reset packet")
	}

	want := make([]byte, wire.StatelessResetTokenLength)
	if err := b.GenerateStatelessResetToken(dcid, want); err != nil {
		t.Fatalf("token: %v", err)
	}
	if got := sr[len(sr)-wire.StatelessResetTokenLength:]; !bytes.Equal(got, want) {
		t.Fatalf("SR token = %x, want %x", got, want)
	}
}

func TestStatelessResetClampsToReceivedLength(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	_, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: true})

	dcid := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	recvLen := 45 // below the recommended reset length, above the minimum
	mb.Inject(remoteAt(9004), shortHeaderPacket(dcid, recvLen, false))

	waitFor(t, "SR sent", func() bool { return len(mb.SentDatagrams()) == 1 })
	sr := mb.SentDatagrams()[0].Buffers[0]
	if len(sr) != recvLen-1 {
		t.Fatalf("SR length = %d, want clamp to %d", len(sr), recvLen-1)
	}
}

func TestStatelessResetTooShortPacketDrops(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: true})

	dcid := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	mb.Inject(remoteAt(9005), shortHeaderPacket(dcid, wire.MinStatelessResetLength, false))

	if b.StatelessOperationCount() != 0 {
		t.Fatalf("stateless op queued for undersized packet")
	}
	if got := mb.ReturnedCount(); got != 1 {
		t.Fatalf("returned = %d, want 1", got)
	}
}

func TestExclusiveBindingDropsWithoutReset(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: false, ServerOwned: false, Remote: remoteAt(9006)})

	// Connection creation still in progress: lookup is empty, and the
	// exclusive binding must drop silently rather than respond.
	mb.Inject(remoteAt(9006), shortHeaderPacket(nil, 100, false))

	if b.StatelessOperationCount() != 0 {
		t.Fatalf("stateless reset queued on exclusive binding")
	}
	if got := mb.ReturnedCount(); got != 1 {
		t.Fatalf("returned = %d, want 1", got)
	}
}

func newLookupConnection(t *testing.T, lib *library.Library, b *Binding, cid []byte) *connection.Connection {
	t.Helper()
	dg := &datapath.Datagram{Tuple: datapath.Tuple{Remote: remoteAt(1)}}
	conn, err := connection.New(lib, dg)
	if err != nil {
		t.Fatalf("connection.New: %v", err)
	}
	if !b.AddSourceConnectionID(&connection.CIDEntry{CID: cid, Conn: conn}) {
		t.Fatalf("AddSourceConnectionID failed")
	}
	return conn
}

func TestSubchainGroupingSingleCID(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: false})

	cidA := []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}
	connA := newLookupConnection(t, lib, b, cidA)

	var bufs [][]byte
	for i := 0; i < 5; i++ {
		bufs = append(bufs, shortHeaderPacket(cidA, 60, false))
	}
	mb.Inject(remoteAt(9010), bufs...)

	chain, count := connA.DrainRecvQueue()
	if count != 5 || datapath.ChainLength(chain) != 5 {
		t.Fatalf("delivered %d datagrams (chain %d), want 5", count, datapath.ChainLength(chain))
	}
}

func TestSubchainGroupingDistinctCIDs(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: false})

	cidA := []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}
	cidB := []byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02}
	connA := newLookupConnection(t, lib, b, cidA)
	connB := newLookupConnection(t, lib, b, cidB)

	mb.Inject(remoteAt(9011),
		shortHeaderPacket(cidA, 60, false),
		shortHeaderPacket(cidA, 60, false),
		shortHeaderPacket(cidB, 60, false),
		shortHeaderPacket(cidB, 60, false),
		shortHeaderPacket(cidB, 60, false))

	_, countA := connA.DrainRecvQueue()
	_, countB := connB.DrainRecvQueue()
	if countA != 2 || countB != 3 {
		t.Fatalf("delivered %d/%d, want 2/3", countA, countB)
	}
}

func TestSubchainHandshakeFirstOrdering(t *testing.T) {
	lib, _, _ := newTestLib(t, library.Settings{CIDLength: 8})
	b, mb := newTestBinding(t, lib, Config{Share: true, ServerOwned: false})

	cid := []byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0x03}
	conn := newLookupConnection(t, lib, b, cid)

	data := shortHeaderPacket(cid, 60, false)
	handshake := wire.EncodeInitialV1(wire.Version1, cid, []byte{0x01, 0x02}, nil, []byte{0x00})
	mb.Inject(remoteAt(9012), data, handshake)

	chain, count := conn.DrainRecvQueue()
	if count != 2 {
		t.Fatalf("delivered %d, want 2", count)
	}
	if chain.Packet.IsShortHeader {
		t.Fatalf("handshake packet not sorted to subchain front")
	}
	if !chain.Next.Packet.IsShortHeader {
		t.Fatalf("data packet missing from subchain tail")
	}
}
