// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runhost YAML configuration.
//
// The file is named by the RUNHOST_CONFIG environment variable (via
// [Load]) or a -config flag (via [LoadFile]). There is no discovery and
// no fallback file: what the named file says, plus the defaults from
// [Default], is the configuration.
//
// A file may carry development, staging and production sections. The
// section matching Environment is decoded over the base values after
// the file is read, so it only needs the keys it changes.
//
// Path fields are expanded after overlays: ${HOME}, ${RUNHOST_ROOT} and
// ${VAR:-default}. Nothing else reads the environment.
//
// Durations are Go duration strings ("30s", "5m").
package config
