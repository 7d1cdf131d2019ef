package profile

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Version of the compact CBOR profile encoding.
const Version = 1

// Integer keys for the CBOR map. Key zero is the format version; new
// keys append, existing keys never renumber.
const (
	keyVersion             uint64 = 0
	keyName                uint64 = 1
	keyCIDLength           uint64 = 2
	keyRetryMemoryLimit    uint64 = 3
	keyMaxStatelessOps     uint64 = 4
	keyStatelessExpiration uint64 = 5
	keyRateLimitPPS        uint64 = 6
	keyRateLimitBurst      uint64 = 7
	keyWorkers             uint64 = 8
	keyWorkerQueueDepth    uint64 = 9
	keyTotalMemory         uint64 = 10
	keyLogLevel            uint64 = 11
)

// ToCBOR encodes the profile in its compact integer-keyed form.
// Durations travel as milliseconds.
func ToCBOR(p Profile) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m := map[uint64]any{
		keyVersion: uint64(Version),
	}
	if p.Name != "" {
		m[keyName] = p.Name
	}
	if p.CIDLength != 0 {
		m[keyCIDLength] = int64(p.CIDLength)
	}
	if p.RetryMemoryLimit != 0 {
		m[keyRetryMemoryLimit] = uint64(p.RetryMemoryLimit)
	}
	if p.MaxStatelessOperations != 0 {
		m[keyMaxStatelessOps] = int64(p.MaxStatelessOperations)
	}
	if p.StatelessOperationExpiration.Duration != 0 {
		m[keyStatelessExpiration] = p.StatelessOperationExpiration.Milliseconds()
	}
	if p.StatelessRateLimitPPS != 0 {
		m[keyRateLimitPPS] = int64(p.StatelessRateLimitPPS)
	}
	if p.StatelessRateLimitBurst != 0 {
		m[keyRateLimitBurst] = int64(p.StatelessRateLimitBurst)
	}
	if p.WorkerCount != 0 {
		m[keyWorkers] = int64(p.WorkerCount)
	}
	if p.WorkerQueueDepth != 0 {
		m[keyWorkerQueueDepth] = int64(p.WorkerQueueDepth)
	}
	if p.TotalMemory != 0 {
		m[keyTotalMemory] = p.TotalMemory
	}
	if p.LogLevel != "" {
		m[keyLogLevel] = p.LogLevel
	}
	return cbor.Marshal(m)
}

// FromCBOR decodes a compact profile.
func FromCBOR(data []byte) (Profile, error) {
	var m map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}

	var version uint64
	if raw, ok := m[keyVersion]; ok {
		if err := cbor.Unmarshal(raw, &version); err != nil {
			return Profile{}, fmt.Errorf("decode profile version: %w", err)
		}
	}
	if version != Version {
		return Profile{}, fmt.Errorf("unsupported profile version %d", version)
	}

	var p Profile
	var errOut error
	getStr := func(key uint64, out *string) {
		if raw, ok := m[key]; ok && errOut == nil {
			errOut = cbor.Unmarshal(raw, out)
		}
	}
	getInt := func(key uint64, out *int64) {
		if raw, ok := m[key]; ok && errOut == nil {
			errOut = cbor.Unmarshal(raw, out)
		}
	}

	var i64 int64
	getStr(keyName, &p.Name)
	getInt(keyCIDLength, &i64)
	p.CIDLength = int(i64)
	i64 = 0
	getInt(keyRetryMemoryLimit, &i64)
	p.RetryMemoryLimit = uint16(i64)
	i64 = 0
	getInt(keyMaxStatelessOps, &i64)
	p.MaxStatelessOperations = int(i64)
	i64 = 0
	getInt(keyStatelessExpiration, &i64)
	p.StatelessOperationExpiration.Duration = time.Duration(i64) * time.Millisecond
	i64 = 0
	getInt(keyRateLimitPPS, &i64)
	p.StatelessRateLimitPPS = int(i64)
	i64 = 0
	getInt(keyRateLimitBurst, &i64)
	p.StatelessRateLimitBurst = int(i64)
	i64 = 0
	getInt(keyWorkers, &i64)
	p.WorkerCount = int(i64)
	i64 = 0
	getInt(keyWorkerQueueDepth, &i64)
	p.WorkerQueueDepth = int(i64)
	i64 = 0
	getInt(keyTotalMemory, &i64)
	p.TotalMemory = i64
	getStr(keyLogLevel, &p.LogLevel)

	if errOut != nil {
		return Profile{}, fmt.Errorf("decode profile field: %w", errOut)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
