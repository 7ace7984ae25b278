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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainBackendPriority ranks the keychain below the environment.
	KeychainBackendPriority = 50

	// KeychainService is the default service entries are stored under.
	KeychainService = "olympian"

	probeKey = "__olympian_availability_probe__"
)

// unavailableIndicators are substrings of the errors platforms return for a
// locked or unreachable keychain.
var unavailableIndicators = []string{
	"locked",
	"cannot access",
	"permission denied",
	"failed to unlock",
	"user interaction required",
	"secret service",
	"dbus",
	"user canceled",
}

// KeychainBackend reads secrets from the OS keychain (macOS Keychain,
// Secret Service on Linux, Windows Credential Manager). Entries are looked
// up as (service, NAME).
type KeychainBackend struct {
	service string

	probe     sync.Once
	available bool
}

// NewKeychainBackend creates a backend over KeychainService.
func NewKeychainBackend() *KeychainBackend {
	return NewKeychainBackendFor(KeychainService)
}

// NewKeychainBackendFor creates a backend over service. The keychain is not
// touched until the backend is first used.
func NewKeychainBackendFor(service string) *KeychainBackend {
	return &KeychainBackend{service: service}
}

// Name returns "keychain".
func (k *KeychainBackend) Name() string { return "keychain" }

// Priority returns KeychainBackendPriority.
func (k *KeychainBackend) Priority() int { return KeychainBackendPriority }

// Available reports whether the keychain answers. The first call probes it
// with a lookup of a key that should not exist.
func (k *KeychainBackend) Available() bool {
	k.probe.Do(func() {
		_, err := keyring.Get(k.service, probeKey)
		k.available = err == nil || errors.Is(err, keyring.ErrNotFound)
	})
	return k.available
}

// Get looks key up under the backend's service.
func (k *KeychainBackend) Get(_ context.Context, key string) (string, error) {
	if !k.Available() {
		return "", fmt.Errorf("%w: keychain service unavailable", ErrBackendUnavailable)
	}

	value, err := keyring.Get(k.service, key)
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, keyring.ErrNotFound):
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	case isKeychainUnavailableError(err):
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return "", fmt.Errorf("keychain lookup of %s: %w", key, err)
	}
}

func isKeychainUnavailableError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range unavailableIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
