// Package binding owns one UDP endpoint's QUIC demultiplexing state:
// the listener registry, the connection lookup, the stateless
// operation tracker and the receive pipeline that ties them together.
package binding

import (
	"container/list"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgefall/quicbind/commons/logkit"
	"github.com/bridgefall/quicbind/commons/metrics"
	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/internal/ratelimiter"
	"github.com/bridgefall/quicbind/library"
	"github.com/bridgefall/quicbind/lookup"
	"github.com/bridgefall/quicbind/wire"
)

// The reset token must fit inside the hash output.
const _ = uint(sha256.Size - wire.StatelessResetTokenLength)

const resetTokenSaltLength = 20

// DropReason captures why a datagram was rejected. Every drop on the
// receive path carries one.
type DropReason string

const (
	DropInvalidHeader      DropReason = "invalid_header"
	DropNoListenerForVN    DropReason = "no_listener_for_vn"
	DropVNUnmatched        DropReason = "vn_unmatched"
	DropNonInitial         DropReason = "non_initial_unmatched"
	DropInvalidLongHeader  DropReason = "invalid_long_header"
	DropNoListener         DropReason = "no_listener"
	DropExclusiveNoMatch   DropReason = "exclusive_no_match"
	DropShortForReset      DropReason = "too_short_for_reset"
	DropResetOnExclusive   DropReason = "reset_on_exclusive"
	DropStatelessLimit     DropReason = "stateless_limit"
	DropStatelessDedup     DropReason = "stateless_dedup"
	DropStatelessAlloc     DropReason = "stateless_alloc"
	DropRateLimit          DropReason = "rate_limit"
	DropWorkerOverloaded   DropReason = "worker_overloaded"
	DropNoWorkerPool       DropReason = "no_worker_pool"
	DropInvalidToken       DropReason = "invalid_retry_token"
	DropTokenAddrMismatch  DropReason = "retry_token_addr_mismatch"
	DropCleanupInProgress  DropReason = "cleanup_in_progress"
	DropConnInitFailed     DropReason = "conn_init_failed"
	DropRemoteHashInsert   DropReason = "remote_hash_insert"
	DropTestHook           DropReason = "test_hook"
)

// Metrics tracks binding-level counters.
type Metrics struct {
	RecvDatagrams    metrics.Counter
	DroppedDatagrams metrics.Counter

	VersionNegotiationSent metrics.Counter
	RetrySent              metrics.Counter
	StatelessResetSent     metrics.Counter

	StatelessOpsAdmitted metrics.Counter
	StatelessOpsExpired  metrics.Counter
	StatelessOpsDeduped  metrics.Counter
	StatelessOpsLimited  metrics.Counter

	ConnectionsCreated   metrics.Counter
	ConnectionCollisions metrics.Counter

	RateLimitDrops      metrics.Counter
	WorkerOverloadDrops metrics.Counter
}

// Config describes the binding to create.
type Config struct {
	// Share allows multiple connections on the binding; when false the
	// binding is exclusive to a single connection and connection IDs
	// are not used for routing.
	Share bool
	// ServerOwned bindings accept inbound connections and generate
	// Retry and Stateless Reset responses.
	ServerOwned bool
	// Local and Remote select the 2- or 4-tuple. A zero Local picks a
	// wildcard address; a valid Remote makes the binding connected.
	Local  netip.AddrPort
	Remote netip.AddrPort
	// Compartment optionally pins the socket to a network compartment.
	Compartment string

	Logger *slog.Logger
}

// Binding is the per-UDP-socket QUIC state.
type Binding struct {
	lib *library.Library

	exclusive   bool
	serverOwned bool
	connected   bool

	refCount atomic.Int64

	dp datapath.Binding

	randomReservedVersion wire.Version

	resetTokenMu   sync.Mutex
	resetTokenHash hash.Hash

	listenersMu sync.RWMutex
	listeners   []*Listener

	lookup *lookup.Lookup

	statelessMu    sync.Mutex
	statelessOps   map[netip.AddrPort]*StatelessContext
	statelessList  *list.List
	statelessCount int

	rl *ratelimiter.Limiter

	Metrics Metrics

	logger     *slog.Logger
	logLimiter *logkit.Limiter
}

// Initialize creates a binding, its reset-token hash and its datapath
// socket. On failure everything already initialized is torn back down.
func Initialize(lib *library.Library, cfg Config) (*Binding, error) {
	b := &Binding{
		lib:           lib,
		exclusive:     !cfg.Share,
		serverOwned:   cfg.ServerOwned,
		connected:     cfg.Remote.IsValid(),
		lookup:        lookup.New(),
		statelessOps:  make(map[netip.AddrPort]*StatelessContext),
		statelessList: list.New(),
		logger:        logkit.Resolve(cfg.Logger),
		logLimiter:    logkit.NewLimiter(10 * time.Second),
	}
	b.refCount.Store(1)

	var random [4]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, fmt.Errorf("binding: reserved version: %w", err)
	}
	b.randomReservedVersion = wire.MakeReservedVersion(binary.LittleEndian.Uint32(random[:]))

	salt := make([]byte, resetTokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("binding: reset token salt: %w", err)
	}
	b.resetTokenHash = hmac.New(sha256.New, salt)

	if pps := lib.Settings.StatelessRateLimitPPS; pps > 0 {
		b.rl = ratelimiter.New(pps, lib.Settings.StatelessRateLimitBurst)
	}

	dp, err := lib.Datapath.CreateBinding(datapath.BindingConfig{
		Local:       cfg.Local,
		Remote:      cfg.Remote,
		Compartment: cfg.Compartment,
		Receive:     b.Receive,
		Unreachable: b.unreachable,
	})
	if err != nil {
		if b.rl != nil {
			b.rl.Close()
		}
		return nil, fmt.Errorf("binding: create datapath binding: %w", err)
	}
	b.dp = dp

	b.logger.Debug("binding created",
		"local", dp.LocalAddr(), "remote", cfg.Remote,
		"exclusive", b.exclusive, "server", b.serverOwned)
	return b, nil
}

// Uninitialize tears the binding down. The caller must have released
// every reference and unregistered every listener. The datapath delete
// blocks until all receive callbacks drain, after which any leftover
// stateless contexts are guaranteed processed and can be force-freed.
func (b *Binding) Uninitialize() {
	if n := b.refCount.Load(); n != 0 {
		panic(fmt.Sprintf("binding: uninitialize with %d outstanding references", n))
	}
	b.listenersMu.RLock()
	if len(b.listeners) != 0 {
		b.listenersMu.RUnlock()
		panic("binding: uninitialize with registered listeners")
	}
	b.listenersMu.RUnlock()

	b.dp.Delete()

	b.statelessMu.Lock()
	for front := b.statelessList.Front(); front != nil; front = b.statelessList.Front() {
		ctx := front.Value.(*StatelessContext)
		b.statelessList.Remove(front)
		delete(b.statelessOps, ctx.remote)
		b.statelessCount--
		if !ctx.isProcessed {
			panic("binding: unprocessed stateless context after datapath delete")
		}
		freeStatelessContext(ctx)
	}
	if b.statelessCount != 0 {
		panic("binding: stateless count out of sync at teardown")
	}
	b.statelessMu.Unlock()

	if b.rl != nil {
		b.rl.Close()
	}
	b.logger.Debug("binding destroyed", "local", b.dp.LocalAddr())
}

// TryAddRef takes a reference unless teardown has begun.
func (b *Binding) TryAddRef() bool {
	for {
		cur := b.refCount.Load()
		if cur == 0 {
			return false
		}
		if b.refCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference taken at Initialize or via TryAddRef.
func (b *Binding) Release() {
	if b.refCount.Add(-1) < 0 {
		panic("binding: release without reference")
	}
}

// RefCount returns the outstanding reference count. Test use.
func (b *Binding) RefCount() int64 {
	return b.refCount.Load()
}

// Exclusive reports whether the binding serves a single connection.
func (b *Binding) Exclusive() bool { return b.exclusive }

// ServerOwned reports whether the binding accepts inbound connections.
func (b *Binding) ServerOwned() bool { return b.serverOwned }

// LocalAddr returns the bound local address.
func (b *Binding) LocalAddr() netip.AddrPort { return b.dp.LocalAddr() }

// RemoteAddr returns the connected remote, if any.
func (b *Binding) RemoteAddr() netip.AddrPort { return b.dp.RemoteAddr() }

// Lookup exposes the connection lookup to the connection layer.
func (b *Binding) Lookup() *lookup.Lookup { return b.lookup }

// RandomReservedVersion returns the binding's stable reserved version.
func (b *Binding) RandomReservedVersion() wire.Version {
	return b.randomReservedVersion
}

// SendTo transmits a staged send context to remote. A test hook may
// swallow the send, which still counts as success.
func (b *Binding) SendTo(remote netip.AddrPort, ctx *datapath.SendContext) error {
	if hooks := b.lib.TestHooks; hooks != nil {
		if hooks.Send(remote, netip.AddrPort{}, ctx) {
			b.logger.Debug("test hook dropped send", "remote", remote)
			b.dp.FreeSendContext(ctx)
			return nil
		}
	}
	err := b.dp.SendTo(remote, ctx)
	if err != nil {
		b.logger.Warn("send failed", "remote", remote, "err", err)
	}
	return err
}

// SendFromTo transmits a staged send context from an explicit local
// address, used for stateless responses that must echo the tuple the
// triggering datagram arrived on.
func (b *Binding) SendFromTo(local, remote netip.AddrPort, ctx *datapath.SendContext) error {
	if hooks := b.lib.TestHooks; hooks != nil {
		if hooks.Send(remote, local, ctx) {
			b.logger.Debug("test hook dropped send", "local", local, "remote", remote)
			b.dp.FreeSendContext(ctx)
			return nil
		}
	}
	err := b.dp.SendFromTo(local, remote, ctx)
	if err != nil {
		b.logger.Warn("send failed", "local", local, "remote", remote, "err", err)
	}
	return err
}

// GenerateStatelessResetToken derives the reset token for a CID from
// the binding's salted hash. Exactly CIDLength bytes of the CID are
// hashed; the token is the first 16 bytes of the output.
func (b *Binding) GenerateStatelessResetToken(cid []byte, out []byte) error {
	n := b.lib.Settings.CIDLength
	if len(cid) < n {
		return fmt.Errorf("binding: cid too short for reset token (%d < %d)", len(cid), n)
	}
	b.resetTokenMu.Lock()
	b.resetTokenHash.Reset()
	b.resetTokenHash.Write(cid[:n])
	sum := b.resetTokenHash.Sum(nil)
	b.resetTokenMu.Unlock()
	copy(out, sum[:wire.StatelessResetTokenLength])
	return nil
}

func (b *Binding) logDrop(reason DropReason, remote netip.AddrPort, msg string) {
	b.Metrics.DroppedDatagrams.Add(1)
	if !b.logLimiter.Allow(string(reason), b.lib.Now()) {
		return
	}
	b.logger.Warn("binding drop", "reason", reason, "remote", remote, "msg", msg)
}

// LogState writes a structured snapshot of the binding's state, for
// diagnostics rundown.
func (b *Binding) LogState() {
	b.listenersMu.RLock()
	listeners := len(b.listeners)
	b.listenersMu.RUnlock()
	b.statelessMu.Lock()
	stateless := b.statelessCount
	b.statelessMu.Unlock()
	b.logger.Info("binding state",
		"local", b.dp.LocalAddr(),
		"remote", b.dp.RemoteAddr(),
		"exclusive", b.exclusive,
		"server", b.serverOwned,
		"refs", b.refCount.Load(),
		"listeners", listeners,
		"stateless_ops", stateless)
}
