// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package escalation

import (
	"fmt"
	"strings"
)

// Request asks the escalator to start one worker as TargetUser. Token
// correlates the spawned worker with the run that asked for it; it is
// not a secret.
type Request struct {
	TargetUser string
	Token      string
}

// Line returns the wire form of r, without the trailing newline.
func (r Request) Line() string {
	return r.TargetUser + " " + r.Token
}

// Validate rejects fields that could be misread by sudo or the worker
// as options, or that do not survive whitespace splitting.
func (r Request) Validate() error {
	if err := validateUser(r.TargetUser); err != nil {
		return &MalformedRequestError{Line: r.Line(), Reason: err.Error()}
	}
	if err := validateToken(r.Token); err != nil {
		return &MalformedRequestError{Line: r.Line(), Reason: err.Error()}
	}
	return nil
}

// MalformedRequestError describes a request line the escalator
// refused.
type MalformedRequestError struct {
	Line   string
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request %q: %s", e.Line, e.Reason)
}

// ParseRequest splits one input line into a Request. Exactly two
// whitespace-separated fields are required.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Request{}, &MalformedRequestError{
			Line:   line,
			Reason: fmt.Sprintf("expected 2 fields (user token), got %d", len(fields)),
		}
	}
	request := Request{TargetUser: fields[0], Token: fields[1]}
	if err := request.Validate(); err != nil {
		return Request{}, err
	}
	return request, nil
}

func validateUser(user string) error {
	if user == "" {
		return fmt.Errorf("user is empty")
	}
	if len(user) > 32 {
		return fmt.Errorf("user name longer than 32 characters")
	}
	for i := 0; i < len(user); i++ {
		c := user[i]
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case (c >= '0' && c <= '9') || c == '-' || c == '.':
			if i == 0 {
				return fmt.Errorf("user must start with a letter or underscore")
			}
		default:
			return fmt.Errorf("invalid character %q in user", c)
		}
	}
	return nil
}

func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token is empty")
	}
	if token[0] == '-' {
		return fmt.Errorf("token must not start with '-'")
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return fmt.Errorf("invalid character %q in token", c)
		}
	}
	return nil
}

// BuildArgs returns the argv that runs program as targetUser through
// sudo, reading sudo's password from stdin (-S) and resetting HOME to
// the target's (-H). The token is always the final argument.
func BuildArgs(sudoPath, targetUser, program string, args []string, token string) []string {
	argv := make([]string, 0, len(args)+8)
	argv = append(argv, sudoPath, "-u", targetUser, "-S", "-H", "--", program)
	argv = append(argv, args...)
	return append(argv, token)
}

// Status line markers. Forwarded child output is always prefixed
// "[token] ", so a child cannot forge a line starting "[token]! ".
const (
	statusStarted     = "started pid="
	statusExited      = "exited status="
	statusSpawnFailed = "spawn failed: "
)

func statusLine(token, status string) string {
	return "[" + token + "]! " + status
}

func outputLine(token, text string) string {
	return "[" + token + "] " + text
}
