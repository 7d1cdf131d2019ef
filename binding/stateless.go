package binding

import (
	"container/list"
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/wire"
	"github.com/bridgefall/quicbind/worker"
)

// StatelessContext tracks one in-flight stateless response. The
// is-processed / is-expired pair is a last-writer-frees handshake: the
// ager and the worker each set their flag under the stateless lock,
// and whichever observes both set frees the context.
type StatelessContext struct {
	binding  *Binding
	worker   *worker.Worker
	datagram *datapath.Datagram

	createdAt time.Time
	remote    netip.AddrPort

	hasBindingRef bool
	isProcessed   bool
	isExpired     bool

	elem *list.Element
}

func allocStatelessContext(w *worker.Worker) *StatelessContext {
	if v := w.StatelessPool.Get(); v != nil {
		return v.(*StatelessContext)
	}
	return new(StatelessContext)
}

func freeStatelessContext(ctx *StatelessContext) {
	w := ctx.worker
	*ctx = StatelessContext{}
	if w != nil {
		w.StatelessPool.Put(ctx)
	}
}

// createStatelessOperation admits a stateless response for the
// datagram's remote, after aging out expired contexts, enforcing the
// per-binding cap and deduplicating per remote address. Returns nil
// when the response must be dropped.
func (b *Binding) createStatelessOperation(w *worker.Worker, dg *datapath.Datagram) *StatelessContext {
	now := b.lib.Now()
	remote := dg.Tuple.Remote
	expiration := b.lib.Settings.StatelessOperationExpiration

	b.statelessMu.Lock()
	defer b.statelessMu.Unlock()

	// Age out expired contexts, oldest first.
	for front := b.statelessList.Front(); front != nil; front = b.statelessList.Front() {
		old := front.Value.(*StatelessContext)
		if now.Sub(old.createdAt) < expiration {
			break
		}
		old.isExpired = true
		delete(b.statelessOps, old.remote)
		b.statelessList.Remove(front)
		old.elem = nil
		b.statelessCount--
		b.Metrics.StatelessOpsExpired.Add(1)
		if old.isProcessed {
			freeStatelessContext(old)
		}
	}

	if b.statelessCount >= b.lib.Settings.MaxBindingStatelessOperations {
		b.Metrics.StatelessOpsLimited.Add(1)
		b.logDrop(DropStatelessLimit, remote, "max binding operations reached")
		return nil
	}

	if _, exists := b.statelessOps[remote]; exists {
		b.Metrics.StatelessOpsDeduped.Add(1)
		b.logDrop(DropStatelessDedup, remote, "already in stateless oper table")
		return nil
	}

	ctx := allocStatelessContext(w)
	ctx.binding = b
	ctx.worker = w
	ctx.datagram = dg
	ctx.createdAt = now
	ctx.remote = remote
	ctx.hasBindingRef = false
	ctx.isProcessed = false
	ctx.isExpired = false

	b.statelessOps[remote] = ctx
	ctx.elem = b.statelessList.PushBack(ctx)
	b.statelessCount++
	b.Metrics.StatelessOpsAdmitted.Add(1)

	return ctx
}

// queueStatelessOperation acquires a worker and hands it the stateless
// response for the datagram chain. On success the chain is retained by
// the context until the worker releases it.
func (b *Binding) queueStatelessOperation(opType worker.OperationType, dg *datapath.Datagram) bool {
	remote := dg.Tuple.Remote

	w, err := b.lib.GetWorker()
	if err != nil {
		b.logDrop(DropNoWorkerPool, remote, "no worker pool")
		return false
	}
	if w.Overloaded() {
		b.Metrics.WorkerOverloadDrops.Add(1)
		b.logDrop(DropWorkerOverloaded, remote, "worker overloaded (stateless oper)")
		return false
	}
	if b.rl != nil && !b.rl.Allow(remote.Addr()) {
		b.Metrics.RateLimitDrops.Add(1)
		b.logDrop(DropRateLimit, remote, "stateless rate limit")
		return false
	}

	ctx := b.createStatelessOperation(w, dg)
	if ctx == nil {
		return false
	}

	if !b.TryAddRef() {
		b.logDrop(DropCleanupInProgress, remote, "binding cleanup in progress")
		b.releaseStatelessOperation(ctx, false)
		return false
	}
	ctx.hasBindingRef = true

	op := &worker.Operation{
		Type: opType,
		Run: func() {
			b.processStatelessOperation(opType, ctx)
			b.releaseStatelessOperation(ctx, true)
		},
	}
	if !w.Queue(op) {
		b.logDrop(DropWorkerOverloaded, remote, "worker queue full (stateless oper)")
		b.releaseStatelessOperation(ctx, false)
		return false
	}
	return true
}

// processStatelessOperation runs on a worker thread and builds and
// sends the response datagram. Allocation failures drop the response
// silently; stateless operations carry no delivery guarantee.
func (b *Binding) processStatelessOperation(opType worker.OperationType, ctx *StatelessContext) {
	dg := ctx.datagram
	pkt := &dg.Packet

	sendCtx := b.dp.AllocSendContext()
	if sendCtx == nil {
		return
	}
	sent := false
	defer func() {
		if !sent {
			b.dp.FreeSendContext(sendCtx)
		}
	}()

	switch opType {
	case worker.OperVersionNegotiation:
		packet := wire.EncodeVersionNegotiation(
			pkt.SourceCID, pkt.DestCID,
			b.randomReservedVersion, b.lib.SupportedVersions)
		sd := sendCtx.AllocDatagram(len(packet))
		if sd == nil {
			return
		}
		copy(sd.Buffer, packet)
		b.Metrics.VersionNegotiationSent.Add(1)
		b.logger.Debug("tx version negotiation", "remote", dg.Tuple.Remote)

	case worker.OperStatelessReset:
		// The reset must be shorter than the packet it answers, at
		// least the minimum reset length, and indistinguishable from a
		// normal short header packet.
		var r [1]byte
		_, _ = rand.Read(r[:])
		length := wire.RecommendedStatelessResetLength + int(r[0]>>5)
		if length >= len(dg.Buffer) {
			length = len(dg.Buffer) - 1
		}
		if length < wire.MinStatelessResetLength {
			return
		}
		sd := sendCtx.AllocDatagram(length)
		if sd == nil {
			return
		}
		_, _ = rand.Read(sd.Buffer[:length-wire.StatelessResetTokenLength])
		first := sd.Buffer[0] &^ 0x80 // short header form
		first |= 0x40                 // fixed bit
		first &^= 0x04
		if wire.ShortHeaderKeyPhase(dg.Buffer) {
			first |= 0x04
		}
		sd.Buffer[0] = first
		if err := b.GenerateStatelessResetToken(
			pkt.DestCID, sd.Buffer[length-wire.StatelessResetTokenLength:]); err != nil {
			return
		}
		b.Metrics.StatelessResetSent.Add(1)
		b.logger.Debug("tx stateless reset", "remote", dg.Tuple.Remote, "len", length)

	case worker.OperRetry:
		packet, err := b.generateRetryPacket(pkt, dg.Tuple.Remote)
		if err != nil {
			b.logger.Debug("retry generation failed", "err", err)
			return
		}
		sd := sendCtx.AllocDatagram(len(packet))
		if sd == nil {
			return
		}
		copy(sd.Buffer, packet)
		b.Metrics.RetrySent.Add(1)
		b.logger.Debug("tx retry", "remote", dg.Tuple.Remote)

	default:
		return
	}

	sent = true
	_ = b.SendFromTo(dg.Tuple.Local, dg.Tuple.Remote, sendCtx)
}

// releaseStatelessOperation marks the context processed and frees it
// if the ager already expired it; otherwise the ager (or teardown)
// frees it later. Exactly one side frees.
func (b *Binding) releaseStatelessOperation(ctx *StatelessContext, returnDatagram bool) {
	if returnDatagram {
		b.dp.ReturnRecvDatagrams(ctx.datagram)
	}
	ctx.datagram = nil

	b.statelessMu.Lock()
	ctx.isProcessed = true
	freeCtx := ctx.isExpired
	hadRef := ctx.hasBindingRef
	b.statelessMu.Unlock()

	if hadRef {
		b.Release()
	}
	if freeCtx {
		freeStatelessContext(ctx)
	}
}

// queueStatelessReset responds to an unattributed short header packet.
// Exclusive bindings carry no connection IDs, so no reset token can be
// generated for them.
func (b *Binding) queueStatelessReset(dg *datapath.Datagram) bool {
	if len(dg.Buffer) <= wire.MinStatelessResetLength {
		b.logDrop(DropShortForReset, dg.Tuple.Remote, "packet too short for stateless reset")
		return false
	}
	if b.exclusive {
		b.logDrop(DropResetOnExclusive, dg.Tuple.Remote, "no stateless reset on exclusive binding")
		return false
	}
	return b.queueStatelessOperation(worker.OperStatelessReset, dg)
}

// StatelessOperationCount returns the tracked in-flight stateless
// responses. Test use.
func (b *Binding) StatelessOperationCount() int {
	b.statelessMu.Lock()
	defer b.statelessMu.Unlock()
	return b.statelessCount
}

// statelessInvariantsBroken verifies table/list agreement. Test use.
func (b *Binding) statelessInvariantsBroken() bool {
	b.statelessMu.Lock()
	defer b.statelessMu.Unlock()
	if b.statelessList.Len() != len(b.statelessOps) || b.statelessCount != len(b.statelessOps) {
		return true
	}
	for e := b.statelessList.Front(); e != nil; e = e.Next() {
		ctx := e.Value.(*StatelessContext)
		if b.statelessOps[ctx.remote] != ctx {
			return true
		}
	}
	return false
}
