// Package profile defines the deployable settings profile for the
// binding layer, loadable from JSON or the compact CBOR form used for
// distribution.
package profile

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/bridgefall/quicbind/commons/config"
	"github.com/bridgefall/quicbind/library"
	"github.com/bridgefall/quicbind/wire"
)

// Profile is the file form of library.Settings.
type Profile struct {
	Name string `json:"name"`

	CIDLength        int    `json:"cid_length"`
	RetryMemoryLimit uint16 `json:"retry_memory_limit"`

	MaxStatelessOperations       int             `json:"max_stateless_operations"`
	StatelessOperationExpiration config.Duration `json:"stateless_operation_expiration"`
	StatelessRateLimitPPS        int             `json:"stateless_rate_limit_pps"`
	StatelessRateLimitBurst      int             `json:"stateless_rate_limit_burst"`

	WorkerCount      int `json:"workers"`
	WorkerQueueDepth int `json:"worker_queue_depth"`

	TotalMemory int64 `json:"total_memory"`

	LogLevel string `json:"log_level"`
}

// Load reads and validates a JSON profile.
func Load(path string) (Profile, error) {
	var p Profile
	if err := config.LoadJSONFile(path, &p); err != nil {
		return Profile{}, err
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate collects every problem with the profile.
func (p Profile) Validate() error {
	var errs *multierror.Error
	if p.CIDLength < 0 || p.CIDLength > wire.MaxCIDLength {
		errs = multierror.Append(errs,
			fmt.Errorf("cid_length %d out of range [0, %d]", p.CIDLength, wire.MaxCIDLength))
	}
	if p.MaxStatelessOperations < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_stateless_operations negative"))
	}
	if p.StatelessOperationExpiration.Duration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stateless_operation_expiration negative"))
	}
	if p.StatelessRateLimitPPS < 0 || p.StatelessRateLimitBurst < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stateless rate limit values negative"))
	}
	if p.WorkerCount < 0 {
		errs = multierror.Append(errs, fmt.Errorf("workers negative"))
	}
	if p.TotalMemory < 0 {
		errs = multierror.Append(errs, fmt.Errorf("total_memory negative"))
	}
	return errs.ErrorOrNil()
}

// ToSettings converts the profile into library settings; zero fields
// keep the library defaults.
func (p Profile) ToSettings() (library.Settings, error) {
	if err := p.Validate(); err != nil {
		return library.Settings{}, err
	}
	s := library.DefaultSettings()
	if p.CIDLength != 0 {
		s.CIDLength = p.CIDLength
	}
	if p.RetryMemoryLimit != 0 {
		s.RetryMemoryLimit = p.RetryMemoryLimit
	}
	if p.MaxStatelessOperations != 0 {
		s.MaxBindingStatelessOperations = p.MaxStatelessOperations
	}
	if p.StatelessOperationExpiration.Duration != 0 {
		s.StatelessOperationExpiration = p.StatelessOperationExpiration.Duration
	}
	s.StatelessRateLimitPPS = p.StatelessRateLimitPPS
	s.StatelessRateLimitBurst = p.StatelessRateLimitBurst
	s.WorkerCount = p.WorkerCount
	s.WorkerQueueDepth = p.WorkerQueueDepth
	if p.TotalMemory != 0 {
		s.TotalMemory = p.TotalMemory
	}
	return s, nil
}
