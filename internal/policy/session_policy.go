package policy

import (
	"fmt"

	"github.com/attaboy/authrisk/internal/domain"
)

// BindingMode controls how strictly a session's origin binding is enforced.
type BindingMode string

const (
	// BindingStrict fails on any change of IP, client signature or device.
	BindingStrict BindingMode = "strict"
	// BindingLenient tolerates IP changes (roaming networks) but still fails
	// on a changed client signature or device.
	BindingLenient BindingMode = "lenient"
)

// ConcurrencyMode decides what happens when an owner exceeds the session limit.
type ConcurrencyMode string

const (
	ConcurrencyReject      ConcurrencyMode = "reject"
	ConcurrencyEvictOldest ConcurrencyMode = "evict_oldest"
)

// ParseBindingMode validates a configured binding mode.
func ParseBindingMode(s string) (BindingMode, error) {
	switch m := BindingMode(s); m {
	case BindingStrict, BindingLenient:
		return m, nil
	case "":
		return BindingStrict, nil
	default:
		return "", domain.ErrConfiguration(fmt.Sprintf("unknown binding policy %q", s))
	}
}

// ParseConcurrencyMode validates a configured concurrency mode.
func ParseConcurrencyMode(s string) (ConcurrencyMode, error) {
	switch m := ConcurrencyMode(s); m {
	case ConcurrencyReject, ConcurrencyEvictOldest:
		return m, nil
	case "":
		return ConcurrencyEvictOldest, nil
	default:
		return "", domain.ErrConfiguration(fmt.Sprintf("unknown concurrency policy %q", s))
	}
}

// BindingCheck is the result of comparing a request origin with a session binding.
type BindingCheck struct {
	Allowed          bool
	IPChanged        bool
	SignatureChanged bool
	DeviceChanged    bool
}

// Changed reports whether any attribute differed.
func (c BindingCheck) Changed() bool {
	return c.IPChanged || c.SignatureChanged || c.DeviceChanged
}

// Check compares the presented origin against the bound one. Empty presented
// values are not compared.
func (m BindingMode) Check(bound domain.Binding, ip, signature, deviceID string) BindingCheck {
	c := BindingCheck{
		IPChanged:        ip != "" && ip != bound.IP,
		SignatureChanged: signature != "" && signature != bound.ClientSignature,
		DeviceChanged:    deviceID != "" && bound.DeviceID != "" && deviceID != bound.DeviceID,
	}
	switch m {
	case BindingLenient:
		c.Allowed = !c.SignatureChanged && !c.DeviceChanged
	default:
		c.Allowed = !c.Changed()
	}
	return c
}

// SessionPolicy bundles the configurable session rules.
type SessionPolicy struct {
	Binding       BindingMode
	Concurrency   ConcurrencyMode
	MaxConcurrent int
}

// EvictOldest reports whether the limit is enforced by eviction.
func (p SessionPolicy) EvictOldest() bool {
	return p.Concurrency != ConcurrencyReject
}
