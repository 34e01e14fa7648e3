// Package sketch provides the distinct-order counters merged across
// micro-batches: an exact set-based counter and a mergeable
// HyperLogLog with a configurable error bound. Counter state is
// persisted alongside the aggregate row so later batches union into
// it instead of re-counting.
package sketch

import (
	"errors"
	"fmt"
)

// Policy selects how distinct order ids are counted.
type Policy string

const (
	// PolicyExact retains every order id seen. Exact counts,
	// memory grows with the number of distinct orders.
	PolicyExact Policy = "exact"
	// PolicyApprox uses a HyperLogLog sketch. Bounded memory,
	// relative error configurable.
	PolicyApprox Policy = "approx"
)

// DefaultRelativeError is the default bound for PolicyApprox.
const DefaultRelativeError = 0.02

var ErrPolicyMismatch = errors.New("sketch: counter policies differ")

// ParsePolicy maps a config string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyExact:
		return PolicyExact, nil
	case PolicyApprox:
		return PolicyApprox, nil
	}
	return "", fmt.Errorf("unknown distinct-count policy %q", s)
}

// Counter estimates the number of distinct ids added to it.
// Implementations are mergeable so per-batch local counters can be
// unioned into the persisted per-customer counter.
type Counter interface {
	Add(id string)
	// Merge unions other into the receiver. Mixing policies (or
	// sketch precisions) is an error.
	Merge(other Counter) error
	Count() int64
	Policy() Policy
	MarshalBinary() ([]byte, error)
}

// serialization tags, first byte of the binary form
const (
	tagExact  = 'x'
	tagApprox = 'h'
)

// New builds an empty counter for the policy. relErr applies to
// PolicyApprox only; zero means DefaultRelativeError.
func New(p Policy, relErr float64) (Counter, error) {
	switch p {
	case PolicyExact:
		return newExactCounter(), nil
	case PolicyApprox:
		if relErr == 0 {
			relErr = DefaultRelativeError
		}
		return newHLL(precisionForError(relErr))
	}
	return nil, fmt.Errorf("unknown distinct-count policy %q", p)
}

// UnmarshalBinary restores a counter previously produced by
// MarshalBinary, choosing the implementation from the leading tag.
func UnmarshalBinary(data []byte) (Counter, error) {
	if len(data) == 0 {
		return nil, errors.New("sketch: empty counter state")
	}
	switch data[0] {
	case tagExact:
		return unmarshalExact(data[1:])
	case tagApprox:
		return unmarshalHLL(data[1:])
	}
	return nil, fmt.Errorf("sketch: unknown counter tag 0x%02x", data[0])
}
