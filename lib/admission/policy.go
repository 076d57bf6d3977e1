// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrForbidden is returned when a principal may not perform an
	// operation at all.
	ErrForbidden = errors.New("forbidden")

	// ErrQuotaExceeded is returned when a create would exceed a run
	// limit. The caller may retry once runs have been destroyed.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Anonymous is the principal name given to unauthenticated callers.
const Anonymous = "anonymous"

// IsAnonymous reports whether principal identifies nobody.
func IsAnonymous(principal string) bool {
	return principal == "" || principal == Anonymous
}

// Policy makes admission decisions against a mutable Quota.
type Policy struct {
	mu    sync.Mutex
	quota Quota
	gate  *Gate
}

// NewPolicy returns a policy enforcing quota. The operating-limit gate
// is sized from quota.OperatingLimit.
func NewPolicy(quota Quota) (*Policy, error) {
	if err := quota.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota: %w", err)
	}
	return &Policy{quota: quota.Clone(), gate: NewGate(quota.OperatingLimit)}, nil
}

// Gate returns the operating-limit gate.
func (p *Policy) Gate() *Gate { return p.gate }

// Quota returns a copy of the current limits.
func (p *Policy) Quota() Quota {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quota.Clone()
}

// UpdateQuota replaces the limits. Runs already admitted are not
// affected; lowering the operating limit takes effect as slots are
// released.
func (p *Policy) UpdateQuota(quota Quota) error {
	if err := quota.Validate(); err != nil {
		return fmt.Errorf("invalid quota: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota = quota.Clone()
	p.gate.Resize(quota.OperatingLimit)
	return nil
}

// PermitCreate decides whether principal may create a run of
// workflowRef given the current counts.
func (p *Policy) PermitCreate(principal, workflowRef string, counts Counts) error {
	if IsAnonymous(principal) {
		return fmt.Errorf("anonymous principal may not create runs: %w", ErrForbidden)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if global := p.quota.Global; global > 0 && counts.Total+1 > global {
		return fmt.Errorf("creating %s for %s: %d of %d runs on this host: %w",
			workflowRef, principal, counts.Total, global, ErrQuotaExceeded)
	}
	if limit := p.quota.UserLimit(principal); limit > 0 && counts.Owned+1 > limit {
		return fmt.Errorf("creating %s for %s: %d of %d runs for this principal: %w",
			workflowRef, principal, counts.Owned, limit, ErrQuotaExceeded)
	}
	return nil
}

// PermitUpdate decides whether principal may change a run owned by
// owner.
func (p *Policy) PermitUpdate(principal, owner string) error {
	return permitOwner("update", principal, owner)
}

// PermitDestroy decides whether principal may destroy a run owned by
// owner.
func (p *Policy) PermitDestroy(principal, owner string) error {
	return permitOwner("destroy", principal, owner)
}

func permitOwner(operation, principal, owner string) error {
	if IsAnonymous(principal) || principal != owner {
		return fmt.Errorf("%s may not %s a run owned by %s: %w", principal, operation, owner, ErrForbidden)
	}
	return nil
}
