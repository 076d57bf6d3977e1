// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"errors"
	"fmt"
	"maps"
)

// Quota holds the run limits. A zero limit means unbounded.
type Quota struct {
	// Global caps the number of non-destroyed runs on the host.
	Global int `yaml:"global" cbor:"global"`

	// PerUser overrides DefaultPerUser for individual principals.
	PerUser map[string]int `yaml:"per_user" cbor:"per_user,omitempty"`

	// DefaultPerUser applies to principals absent from PerUser.
	DefaultPerUser int `yaml:"default_per_user" cbor:"default_per_user"`

	// OperatingLimit caps the number of runs executing at once.
	OperatingLimit int `yaml:"operating_limit" cbor:"operating_limit"`
}

// UserLimit returns the run limit for principal.
func (q Quota) UserLimit(principal string) int {
	if limit, ok := q.PerUser[principal]; ok {
		return limit
	}
	return q.DefaultPerUser
}

// Validate rejects negative limits.
func (q Quota) Validate() error {
	var errs []error
	if q.Global < 0 {
		errs = append(errs, fmt.Errorf("global limit %d is negative", q.Global))
	}
	if q.DefaultPerUser < 0 {
		errs = append(errs, fmt.Errorf("default per-user limit %d is negative", q.DefaultPerUser))
	}
	if q.OperatingLimit < 0 {
		errs = append(errs, fmt.Errorf("operating limit %d is negative", q.OperatingLimit))
	}
	for principal, limit := range q.PerUser {
		if principal == "" {
			errs = append(errs, errors.New("per-user limit for an empty principal"))
		}
		if limit < 0 {
			errs = append(errs, fmt.Errorf("per-user limit %d for %s is negative", limit, principal))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a copy that shares nothing with q.
func (q Quota) Clone() Quota {
	q.PerUser = maps.Clone(q.PerUser)
	return q
}

// Counts is a snapshot of non-destroyed runs at admission time.
type Counts struct {
	// Total is the number of runs on the host.
	Total int
	// Owned is the number owned by the requesting principal.
	Owned int
}
