// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

var (
	// ErrInvalidPath is matched by every segment rejection.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned by ValidateExisting when the resolved
	// path does not exist.
	ErrNotFound = errors.New("path does not exist")

	// ErrAlreadyExists is returned by ValidateNew when the resolved
	// path already exists.
	ErrAlreadyExists = errors.New("path already exists")
)

// InvalidPathError describes why a segment was rejected.
type InvalidPathError struct {
	Segment string
	Reason  string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path segment %q: %s", e.Segment, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }

// Platform selects which set of segment rules applies.
type Platform int

const (
	// POSIX rejects whitespace and control characters in addition to
	// the separator and dot segments.
	POSIX Platform = iota

	// Windows rejects the characters reserved by the Win32 namespace,
	// DOS device names, and trailing dots and spaces.
	Windows
)

func (p Platform) String() string {
	if p == Windows {
		return "windows"
	}
	return "posix"
}

// Guard validates untrusted path segments for one platform. The zero
// value applies POSIX rules.
type Guard struct {
	Platform Platform
}

// Default returns a Guard for the platform the process runs on.
func Default() Guard {
	if runtime.GOOS == "windows" {
		return Guard{Platform: Windows}
	}
	return Guard{Platform: POSIX}
}

// windowsReserved holds characters Win32 refuses in file names.
const windowsReserved = `\:*?"<>|`

var windowsDeviceNames = map[string]bool{
	"con": true, "prn": true, "nul": true, "aux": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateSegment checks one untrusted name component.
func (g Guard) ValidateSegment(segment string) error {
	reject := func(reason string) error {
		return &InvalidPathError{Segment: segment, Reason: reason}
	}

	switch segment {
	case "":
		return reject("empty segment")
	case ".", "..":
		return reject("relative directory reference")
	}

	for _, character := range segment {
		switch {
		case character < 32:
			return reject(fmt.Sprintf("control character %U", character))
		case character == '/':
			return reject("contains path separator")
		}
		if g.Platform == Windows {
			if strings.ContainsRune(windowsReserved, character) {
				return reject(fmt.Sprintf("reserved character %q", character))
			}
		} else if unicode.IsSpace(character) || unicode.IsControl(character) {
			return reject(fmt.Sprintf("whitespace or control character %U", character))
		}
	}

	if g.Platform == Windows {
		last := segment[len(segment)-1]
		if last == ' ' || last == '.' {
			return reject("trailing space or dot")
		}
		stem := strings.ToLower(segment)
		if index := strings.IndexByte(stem, '.'); index >= 0 {
			stem = stem[:index]
		}
		if windowsDeviceNames[stem] {
			return reject("reserved device name")
		}
	}
	return nil
}

// Validate checks every segment and returns base joined with them.
// The result is guaranteed to lie inside base. No filesystem access
// is performed.
func (g Guard) Validate(base string, segments ...string) (string, error) {
	for _, segment := range segments {
		if err := g.ValidateSegment(segment); err != nil {
			return "", err
		}
	}
	cleanBase := filepath.Clean(base)
	resolved := filepath.Join(append([]string{cleanBase}, segments...)...)
	relative, err := filepath.Rel(cleanBase, resolved)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", &InvalidPathError{Segment: strings.Join(segments, "/"), Reason: "escapes base directory"}
	}
	return resolved, nil
}

// ValidateExisting is Validate plus a requirement that the resolved
// path exists.
func (g Guard) ValidateExisting(base string, segments ...string) (string, error) {
	resolved, err := g.Validate(base, segments...)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(resolved); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", resolved, ErrNotFound)
		}
		return "", err
	}
	return resolved, nil
}

// ValidateNew is Validate plus a requirement that nothing exists at
// the resolved path yet.
func (g Guard) ValidateNew(base string, segments ...string) (string, error) {
	resolved, err := g.Validate(base, segments...)
	if err != nil {
		return "", err
	}
	_, err = os.Lstat(resolved)
	switch {
	case err == nil:
		return "", fmt.Errorf("%s: %w", resolved, ErrAlreadyExists)
	case errors.Is(err, os.ErrNotExist):
		return resolved, nil
	default:
		return "", err
	}
}

// SplitPath splits a slash-separated client path into segments. Leading
// and trailing slashes are ignored; interior empty segments are kept so
// that Validate rejects them.
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
