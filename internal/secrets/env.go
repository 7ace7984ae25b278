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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the highest priority so the environment can
	// override the keychain.
	EnvBackendPriority = 100

	envSecretPrefix = "OLYMPIAN_SECRET_"
)

// EnvBackend reads secrets from OLYMPIAN_SECRET_<KEY> environment
// variables. Keys are upper-cased and '-' and '.' become '_', so
// "github-token" is read from OLYMPIAN_SECRET_GITHUB_TOKEN.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from the environment.
func (e *EnvBackend) Get(_ context.Context, key string) (string, error) {
	envKey := EnvKey(key)
	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s not set", ErrSecretNotFound, envKey)
}

// Available always returns true.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns EnvBackendPriority.
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// EnvKey returns the environment variable consulted for key.
func EnvKey(key string) string {
	normalized := strings.NewReplacer("-", "_", ".", "_").Replace(key)
	return envSecretPrefix + strings.ToUpper(normalized)
}
