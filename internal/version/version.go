// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package version holds vored's name and semantic version, surfaced over
// the Info RPC and vored's --version flag.
package version

// Name identifies the daemon in the Info RPC response.
const Name = "vored"

// Semver is the current release. Bump on every user-visible protocol or
// behavior change.
const Semver = "0.1.0"
