// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity maps authenticated principals to the local accounts
// their workers run as.
//
// The mapping is consulted before every worker launch. Deployments
// describe it in a JSONC file (JSON with comments and trailing commas):
//
//	{
//	    // Principals not listed here run as the default account.
//	    "default": "runhost",
//	    "accounts": {
//	        "alice@example.org": "rh_alice",
//	    },
//	}
//
// With no default, unlisted principals are refused with [ErrUnmapped].
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/tidwall/jsonc"
)

// ErrUnmapped is returned for principals with no local account.
var ErrUnmapped = errors.New("no local account for principal")

// Mapper resolves a principal to a local account name.
type Mapper interface {
	Account(ctx context.Context, principal string) (string, error)
}

// File is the on-disk form of a static mapping.
type File struct {
	Default  string            `json:"default"`
	Accounts map[string]string `json:"accounts"`
}

// StaticMapper serves a fixed mapping.
type StaticMapper struct {
	fallback string
	accounts map[string]string
}

// NewStatic returns a mapper over accounts. fallback may be empty.
func NewStatic(accounts map[string]string, fallback string) (*StaticMapper, error) {
	var errs []error
	if fallback != "" {
		if err := ValidateAccount(fallback); err != nil {
			errs = append(errs, fmt.Errorf("default: %w", err))
		}
	}
	copied := make(map[string]string, len(accounts))
	for principal, account := range accounts {
		if err := ValidateAccount(account); err != nil {
			errs = append(errs, fmt.Errorf("account for %s: %w", principal, err))
		}
		copied[principal] = account
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &StaticMapper{fallback: fallback, accounts: copied}, nil
}

// Parse decodes a JSONC mapping.
func Parse(data []byte) (*StaticMapper, error) {
	var file File
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parsing identity map: %w", err)
	}
	return NewStatic(file.Accounts, file.Default)
}

// LoadFile reads and parses a JSONC mapping from path.
func LoadFile(path string) (*StaticMapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	mapper, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mapper, nil
}

func (m *StaticMapper) Account(_ context.Context, principal string) (string, error) {
	if account, ok := m.accounts[principal]; ok {
		return account, nil
	}
	if m.fallback != "" {
		return m.fallback, nil
	}
	return "", fmt.Errorf("%s: %w", principal, ErrUnmapped)
}

// Single maps every principal to one account. Used with the direct
// launcher, where workers run as the coordinator's own user anyway.
type Single string

func (s Single) Account(context.Context, string) (string, error) {
	return string(s), nil
}

// ValidateAccount rejects names that sudo would misread: empty names,
// names starting with '-' and names containing whitespace or control
// characters.
func ValidateAccount(account string) error {
	if account == "" {
		return errors.New("empty account name")
	}
	if strings.HasPrefix(account, "-") {
		return fmt.Errorf("account %q starts with '-'", account)
	}
	if strings.IndexFunc(account, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return fmt.Errorf("account %q contains whitespace or control characters", account)
	}
	return nil
}
