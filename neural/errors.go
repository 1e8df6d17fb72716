// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neural

import "fmt"

// The error taxonomy of the engine. Every failure surfaces as exactly
// one of these types so callers can branch with errors.As; nothing is
// swallowed. Only UnavailableError has a policy-driven recovery path
// (backend fallback in the selector); everything else requires caller
// action.

// ConfigError reports an invalid configuration or parameter value. It
// is fatal at construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// CapacityError reports that an id range or storage array is full. The
// failing call creates no partial state; the caller decides whether to
// grow configuration or reject the request.
type CapacityError struct {
	Resource string
	Limit    uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s full at %d", e.Resource, e.Limit)
}

// UnavailableError reports a compute backend that cannot run on this
// host (no device, missing runtime, or a limit check failed).
type UnavailableError struct {
	Backend string
	Reason  string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
}

// ComputeError reports a kernel or device failure mid-burst. The burst
// is aborted: no output of that burst is valid and the caller should
// retry from the last known-good pre-burst state.
type ComputeError struct {
	Backend string
	Phase   string
	Err     error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute failure on %s during %s: %v", e.Backend, e.Phase, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// RefError reports an operation against a deallocated or never-allocated
// neuron or synapse id. The call fails; no other state is touched.
type RefError struct {
	Kind string
	ID   uint32
}

func (e *RefError) Error() string {
	return fmt.Sprintf("invalid %s reference: %d", e.Kind, e.ID)
}
