// Package library holds the process-wide state the binding layer
// consults: settings, supported versions, the worker pool, the
// stateless retry key, and handshake memory accounting. It is an
// injected dependency, never a global.
package library

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bridgefall/quicbind/commons/logkit"
	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/wire"
	"github.com/bridgefall/quicbind/worker"
)

// Settings are the tunables the binding layer reads. Zero fields are
// replaced by defaults in New.
type Settings struct {
	// CIDLength is the total length of locally generated connection
	// IDs. Short header packets on shared bindings carry exactly this
	// many CID bytes.
	CIDLength int

	// RetryMemoryLimit is the fraction (out of 65535) of TotalMemory
	// that handshaking connections may consume before new connection
	// attempts are answered with Retry.
	RetryMemoryLimit uint16

	// MaxBindingStatelessOperations caps in-flight stateless
	// responses per binding.
	MaxBindingStatelessOperations int

	// StatelessOperationExpiration ages out tracked stateless
	// operations.
	StatelessOperationExpiration time.Duration

	// StatelessRateLimitPPS / Burst bound stateless responses per
	// remote IP. Zero PPS disables the limiter.
	StatelessRateLimitPPS   int
	StatelessRateLimitBurst int

	// WorkerCount and WorkerQueueDepth size the worker pool.
	WorkerCount      int
	WorkerQueueDepth int

	// HandshakeConnectionCost is the memory accounted per handshaking
	// connection.
	HandshakeConnectionCost int64

	// TotalMemory is the memory budget the retry limit is computed
	// against.
	TotalMemory int64
}

// Defaults mirroring the reference transport's registry values.
const (
	DefaultCIDLength                = 12
	DefaultRetryMemoryLimit        = 65 // ~0.1% of total memory
	DefaultMaxStatelessOperations  = 100
	DefaultStatelessExpiration     = 100 * time.Millisecond
	DefaultHandshakeConnectionCost = 6 * 1024
	DefaultTotalMemory             = 1 << 30
)

// DefaultSettings returns the default tunables.
func DefaultSettings() Settings {
	return Settings{
		CIDLength:                     DefaultCIDLength,
		RetryMemoryLimit:              DefaultRetryMemoryLimit,
		MaxBindingStatelessOperations: DefaultMaxStatelessOperations,
		StatelessOperationExpiration:  DefaultStatelessExpiration,
		HandshakeConnectionCost:       DefaultHandshakeConnectionCost,
		TotalMemory:                   DefaultTotalMemory,
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.CIDLength == 0 {
		s.CIDLength = d.CIDLength
	}
	if s.RetryMemoryLimit == 0 {
		s.RetryMemoryLimit = d.RetryMemoryLimit
	}
	if s.MaxBindingStatelessOperations == 0 {
		s.MaxBindingStatelessOperations = d.MaxBindingStatelessOperations
	}
	if s.StatelessOperationExpiration == 0 {
		s.StatelessOperationExpiration = d.StatelessOperationExpiration
	}
	if s.HandshakeConnectionCost == 0 {
		s.HandshakeConnectionCost = d.HandshakeConnectionCost
	}
	if s.WorkerCount == 0 {
		s.WorkerCount = runtime.GOMAXPROCS(0)
	}
	if s.TotalMemory == 0 {
		s.TotalMemory = d.TotalMemory
	}
}

// Validate rejects unusable settings.
func (s Settings) Validate() error {
	if s.CIDLength < 0 || s.CIDLength > wire.MaxCIDLength {
		return fmt.Errorf("cid length %d out of range [0, %d]", s.CIDLength, wire.MaxCIDLength)
	}
	if s.MaxBindingStatelessOperations < 0 {
		return errors.New("max stateless operations negative")
	}
	if s.StatelessOperationExpiration < 0 {
		return errors.New("stateless operation expiration negative")
	}
	return nil
}

// Library is the injected process-wide state.
type Library struct {
	Settings          Settings
	SupportedVersions []wire.Version
	Datapath          datapath.Datapath
	Workers           *worker.Pool
	TestHooks         datapath.Hooks
	Logger            *slog.Logger

	now func() time.Time

	retryKeyMu sync.Mutex
	retryKey   cipher.AEAD

	handshakeMemory atomic.Int64
}

// New builds a library around the given datapath. A nil datapath is
// allowed for components that never create sockets.
func New(settings Settings, dp datapath.Datapath, logger *slog.Logger) (*Library, error) {
	settings.applyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("library settings: %w", err)
	}
	lib := &Library{
		Settings:          settings,
		SupportedVersions: append([]wire.Version(nil), wire.SupportedVersions...),
		Datapath:          dp,
		Logger:            logkit.Resolve(logger),
		now:               time.Now,
	}
	if err := lib.RotateStatelessRetryKey(); err != nil {
		return nil, err
	}
	lib.Workers = worker.NewPool(settings.WorkerCount, settings.WorkerQueueDepth)
	return lib, nil
}

// GetWorker hands out a worker for new stateless or connection work.
func (l *Library) GetWorker() (*worker.Worker, error) {
	if l.Workers == nil {
		return nil, errors.New("no worker pool")
	}
	return l.Workers.Get(), nil
}

// Close stops the worker pool.
func (l *Library) Close() {
	if l.Workers != nil {
		l.Workers.Shutdown()
	}
}

// Now returns the library clock's current time.
func (l *Library) Now() time.Time {
	return l.now()
}

// SetNow overrides the clock. Test use only.
func (l *Library) SetNow(now func() time.Time) {
	l.now = now
}

// IsVersionSupported reports whether v is a version this endpoint
// speaks.
func (l *Library) IsVersionSupported(v wire.Version) bool {
	for _, s := range l.SupportedVersions {
		if v == s {
			return true
		}
	}
	return false
}

// RotateStatelessRetryKey replaces the retry token key with a fresh
// random one. Tokens sealed under the previous key stop validating,
// which is acceptable: retry tokens live for round-trip times.
func (l *Library) RotateStatelessRetryKey() error {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("retry key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("retry key: %w", err)
	}
	l.retryKeyMu.Lock()
	l.retryKey = aead
	l.retryKeyMu.Unlock()
	return nil
}

// SealRetryToken encrypts a retry token's plaintext under the current
// stateless retry key.
func (l *Library) SealRetryToken(nonce, aad, plaintext []byte) ([]byte, error) {
	l.retryKeyMu.Lock()
	defer l.retryKeyMu.Unlock()
	if l.retryKey == nil {
		return nil, errors.New("no stateless retry key")
	}
	return l.retryKey.Seal(nil, nonce, plaintext, aad), nil
}

// OpenRetryToken decrypts and authenticates a retry token's sealed
// portion.
func (l *Library) OpenRetryToken(nonce, aad, ciphertext []byte) ([]byte, error) {
	l.retryKeyMu.Lock()
	defer l.retryKeyMu.Unlock()
	if l.retryKey == nil {
		return nil, errors.New("no stateless retry key")
	}
	return l.retryKey.Open(nil, nonce, ciphertext, aad)
}

// AddHandshakeMemory accounts memory for a handshaking connection.
func (l *Library) AddHandshakeMemory(n int64) {
	l.handshakeMemory.Add(n)
}

// ReleaseHandshakeMemory releases previously accounted memory.
func (l *Library) ReleaseHandshakeMemory(n int64) {
	l.handshakeMemory.Add(-n)
}

// CurrentHandshakeMemoryUsage returns the accounted handshake memory.
func (l *Library) CurrentHandshakeMemoryUsage() int64 {
	return l.handshakeMemory.Load()
}

// RetryMemoryLimitBytes is the byte threshold above which new
// connection attempts must prove return routability via Retry.
func (l *Library) RetryMemoryLimitBytes() int64 {
	return int64(uint64(l.Settings.RetryMemoryLimit) * uint64(l.Settings.TotalMemory) / 65535)
}

// RetryRequired reports whether handshake memory pressure demands a
// Retry for tokenless Initials.
func (l *Library) RetryRequired() bool {
	return l.CurrentHandshakeMemoryUsage() >= l.RetryMemoryLimitBytes()
}
