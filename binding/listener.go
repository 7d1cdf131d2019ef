package binding

import (
	"net/netip"

	"github.com/bridgefall/quicbind/commons/rundown"
)

// Session carries the ALPN set a listener accepts.
type Session struct {
	ALPNs []string
}

// HasALPNOverlap reports whether the two sessions share any ALPN.
func (s *Session) HasALPNOverlap(o *Session) bool {
	for _, a := range s.ALPNs {
		for _, b := range o.ALPNs {
			if a == b {
				return true
			}
		}
	}
	return false
}

// MatchesALPN reports whether the session accepts any ALPN the client
// offered.
func (s *Session) MatchesALPN(info *NewConnectionInfo) bool {
	for _, a := range s.ALPNs {
		for _, offered := range info.ALPNs {
			if a == offered {
				return true
			}
		}
	}
	return false
}

// NewConnectionInfo describes a decoded new-connection attempt, used
// to find the accepting listener.
type NewConnectionInfo struct {
	LocalAddress  netip.AddrPort
	RemoteAddress netip.AddrPort
	ALPNs         []string
	ServerName    string
	QuicVersion   uint32
}

// Listener is one registered accept point on a binding. References
// from GetListener are rundown-guarded rather than counted.
type Listener struct {
	LocalAddress netip.AddrPort
	WildCard     bool
	Session      *Session
	Rundown      rundown.Guard
}

// Address families, ranked for listener sort order: IPv6 before IPv4
// before unspecified.
const (
	famUnspec = iota
	famINET
	famINET6
)

func familyOf(addr netip.AddrPort) int {
	a := addr.Addr()
	switch {
	case !a.IsValid():
		return famUnspec
	case a.Is4() || a.Is4In6():
		return famINET
	default:
		return famINET6
	}
}

// HasListenerRegistered reports whether any listener is registered.
func (b *Binding) HasListenerRegistered() bool {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	return len(b.listeners) > 0
}

// RegisterListener inserts a listener, keeping the list sorted by
// family (descending), then specific addresses before wildcards, then
// insertion order. Registration fails when an existing listener with a
// matching address shares any ALPN. The first listener upgrades the
// lookup to its partitioned form; if that fails the insert is rolled
// back.
func (b *Binding) RegisterListener(nl *Listener) bool {
	addNew := true
	maximize := false

	newFam := familyOf(nl.LocalAddress)
	newWild := nl.WildCard

	b.listenersMu.Lock()

	insertAt := -1
	for i, ex := range b.listeners {
		exFam := familyOf(ex.LocalAddress)

		if newFam > exFam {
			insertAt = i // end of possible family matches
			break
		} else if newFam != exFam {
			continue
		}

		if !newWild && ex.WildCard {
			insertAt = i // end of specific address matches
			break
		} else if newWild != ex.WildCard {
			continue
		}

		if newFam != famUnspec && nl.LocalAddress.Addr() != ex.LocalAddress.Addr() {
			continue
		}

		if nl.Session.HasALPNOverlap(ex.Session) {
			b.logger.Warn("listener already registered on ALPN",
				"local", nl.LocalAddress)
			addNew = false
			break
		}
	}

	if addNew {
		maximize = len(b.listeners) == 0
		if insertAt < 0 {
			b.listeners = append(b.listeners, nl)
		} else {
			b.listeners = append(b.listeners, nil)
			copy(b.listeners[insertAt+1:], b.listeners[insertAt:])
			b.listeners[insertAt] = nl
		}
	}

	b.listenersMu.Unlock()

	if maximize && !b.lookup.MaximizePartitioning() {
		b.UnregisterListener(nl)
		addNew = false
	}

	return addNew
}

// GetListener finds the listener accepting a new connection: first
// listener whose family and address match the requested local address
// (unspecified-family listeners match everything) and whose session
// matches the offered ALPNs. The match is returned holding a rundown
// reference; the caller must Release it.
func (b *Binding) GetListener(info *NewConnectionInfo) *Listener {
	family := familyOf(info.LocalAddress)

	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()

	for _, ex := range b.listeners {
		exFam := familyOf(ex.LocalAddress)
		if exFam != famUnspec {
			if family != exFam ||
				(!ex.WildCard && info.LocalAddress.Addr() != ex.LocalAddress.Addr()) {
				continue
			}
		}
		if ex.Session.MatchesALPN(info) {
			if ex.Rundown.Acquire() {
				return ex
			}
			return nil
		}
	}
	return nil
}

// UnregisterListener removes a listener from the registry. The lookup
// keeps its partitioning.
func (b *Binding) UnregisterListener(l *Listener) {
	b.listenersMu.Lock()
	for i, have := range b.listeners {
		if have == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			break
		}
	}
	b.listenersMu.Unlock()
}

// Listeners returns a snapshot of the registry order. Test use.
func (b *Binding) Listeners() []*Listener {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()
	return append([]*Listener(nil), b.listeners...)
}
