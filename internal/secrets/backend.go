// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package secrets resolves secret references in MCP server environments.

A server's env values may embed ${secret:NAME} references. They are
resolved at spawn time, so tokens never need to be written into
mcp.config.json:

	"env": { "GITHUB_TOKEN": "${secret:github-token}" }

References are looked up through a priority-ordered chain of backends:

	env      - OLYMPIAN_SECRET_<NAME> environment variables
	keychain - OS keychain (macOS Keychain, Linux Secret Service, Windows Credential Manager)
*/
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a secret key does not exist in the backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in the current environment.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Backend is a read-only source of secret values.
type Backend interface {
	// Name returns the backend identifier (e.g. "keychain", "env").
	Name() string

	// Get retrieves a secret by key. Returns ErrSecretNotFound if not present.
	Get(ctx context.Context, key string) (string, error)

	// Available returns true if this backend is usable in the current environment.
	Available() bool

	// Priority returns the resolution priority (higher = checked first).
	Priority() int
}
