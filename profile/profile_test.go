package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"

	"github.com/bridgefall/quicbind/commons/config"
)

func testProfile() Profile {
	p := Profile{
		Name:                    "edge-pop",
		CIDLength:               10,
		RetryMemoryLimit:        80,
		MaxStatelessOperations:  50,
		StatelessRateLimitPPS:   25,
		StatelessRateLimitBurst: 10,
		WorkerCount:             4,
		WorkerQueueDepth:        128,
		TotalMemory:             1 << 28,
		LogLevel:                "debug",
	}
	p.StatelessOperationExpiration = config.Duration{Duration: 250 * time.Millisecond}
	return p
}

func TestCBORRoundTrip(t *testing.T) {
	p := testProfile()
	data, err := ToCBOR(p)
	if err != nil {
		t.Fatalf("ToCBOR: %v", err)
	}
	got, err := FromCBOR(data)
	if err != nil {
		t.Fatalf("FromCBOR: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestFromCBORRejectsUnknownVersion(t *testing.T) {
	data, err := cbor.Marshal(map[uint64]any{0: uint64(Version + 1)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := FromCBOR(data); err == nil {
		t.Fatalf("unknown version accepted")
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	p := Profile{
		CIDLength:              99,
		MaxStatelessOperations: -1,
		WorkerCount:            -2,
	}
	err := p.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	var merr *multierror.Error
	if !strings.Contains(err.Error(), "cid_length") {
		t.Fatalf("missing cid_length error: %v", err)
	}
	if ok := errorsAs(err, &merr); !ok || len(merr.Errors) != 3 {
		t.Fatalf("expected 3 aggregated errors, got %v", err)
	}
}

func errorsAs(err error, target **multierror.Error) bool {
	m, ok := err.(*multierror.Error)
	if ok {
		*target = m
	}
	return ok
}

func TestToSettingsAppliesOverrides(t *testing.T) {
	p := testProfile()
	s, err := p.ToSettings()
	if err != nil {
		t.Fatalf("ToSettings: %v", err)
	}
	if s.CIDLength != 10 || s.RetryMemoryLimit != 80 {
		t.Fatalf("overrides not applied: %+v", s)
	}
	if s.StatelessOperationExpiration != 250*time.Millisecond {
		t.Fatalf("expiration = %v", s.StatelessOperationExpiration)
	}

	// Zero fields keep defaults.
	s2, err := Profile{}.ToSettings()
	if err != nil {
		t.Fatalf("ToSettings zero: %v", err)
	}
	if s2.CIDLength == 0 || s2.MaxBindingStatelessOperations == 0 {
		t.Fatalf("defaults not applied: %+v", s2)
	}
}
