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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type mapBackend struct {
	name      string
	priority  int
	available bool
	values    map[string]string
	err       error
}

func (b *mapBackend) Name() string    { return b.name }
func (b *mapBackend) Available() bool { return b.available }
func (b *mapBackend) Priority() int   { return b.priority }

func (b *mapBackend) Get(_ context.Context, key string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if v, ok := b.values[key]; ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

func TestResolver_PriorityOrder(t *testing.T) {
	low := &mapBackend{name: "low", priority: 10, available: true, values: map[string]string{"token": "low"}}
	high := &mapBackend{name: "high", priority: 90, available: true, values: map[string]string{"token": "high"}}
	off := &mapBackend{name: "off", priority: 100, available: false, values: map[string]string{"token": "off"}}

	r := NewResolver(low, off, high)
	assert.Equal(t, []string{"high", "low"}, r.Backends())

	v, err := r.Get(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "high", v)
}

func TestResolver_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("falls through to lower priority", func(t *testing.T) {
		r := NewResolver(
			&mapBackend{name: "a", priority: 2, available: true},
			&mapBackend{name: "b", priority: 1, available: true, values: map[string]string{"k": "v"}},
		)
		v, err := r.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	})

	t.Run("not found", func(t *testing.T) {
		r := NewResolver(&mapBackend{name: "a", available: true})
		_, err := r.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("backend error is reported", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewResolver(&mapBackend{name: "a", available: true, err: boom})
		_, err := r.Get(ctx, "k")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no backends", func(t *testing.T) {
		_, err := NewResolver().Get(ctx, "k")
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestResolver_Expand(t *testing.T) {
	r := NewResolver(&mapBackend{name: "m", available: true, values: map[string]string{
		"github-token": "ghp_123",
		"host":         "example.com",
	}})

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "no reference", value: "plain", want: "plain"},
		{name: "whole value", value: "${secret:github-token}", want: "ghp_123"},
		{name: "embedded", value: "Bearer ${secret:github-token}", want: "Bearer ghp_123"},
		{name: "several", value: "https://${secret:host}/?t=${secret:github-token}", want: "https://example.com/?t=ghp_123"},
		{name: "plain env reference untouched", value: "${HOME}", want: "${HOME}"},
		{name: "missing", value: "${secret:nope}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Expand(context.Background(), tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSecretNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasReference(t *testing.T) {
	assert.True(t, HasReference("x ${secret:a.b} y"))
	assert.False(t, HasReference("${a}"))
}

func TestEnvBackend(t *testing.T) {
	t.Setenv("OLYMPIAN_SECRET_GITHUB_TOKEN", "from-env")

	b := NewEnvBackend()
	assert.Equal(t, "OLYMPIAN_SECRET_GITHUB_TOKEN", EnvKey("github-token"))
	assert.Equal(t, "OLYMPIAN_SECRET_API_KEY", EnvKey("api.key"))

	v, err := b.Get(context.Background(), "github-token")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = b.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKeychainBackend(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(KeychainService, "github-token", "from-keychain"))

	b := NewKeychainBackend()
	require.True(t, b.Available())

	v, err := b.Get(context.Background(), "github-token")
	require.NoError(t, err)
	assert.Equal(t, "from-keychain", v)

	_, err = b.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestDefaultResolver_EnvOverridesKeychain(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(KeychainService, "token", "keychain"))

	r := NewDefaultResolver()
	v, err := r.Expand(context.Background(), "${secret:token}")
	require.NoError(t, err)
	assert.Equal(t, "keychain", v)

	t.Setenv("OLYMPIAN_SECRET_TOKEN", "env")
	v, err = r.Expand(context.Background(), "${secret:token}")
	require.NoError(t, err)
	assert.Equal(t, "env", v)
}

func TestIsKeychainUnavailableError(t *testing.T) {
	assert.True(t, isKeychainUnavailableError(errors.New("The name org.freedesktop.secrets was not provided by any .service files (DBus)")))
	assert.False(t, isKeychainUnavailableError(errors.New("boom")))
}

func TestKeychainBackend_ServiceIsolation(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("other-app", "token", "not-ours"))

	_, err := NewKeychainBackendFor(KeychainService).Get(context.Background(), "token")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	v, err := NewKeychainBackendFor("other-app").Get(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "not-ours", v)
}

func TestKeychainBackend_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: connection refused"))
	t.Cleanup(keyring.MockInit)

	b := NewKeychainBackend()
	assert.False(t, b.Available())

	_, err := b.Get(context.Background(), "token")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	r := NewResolver(NewEnvBackend(), b)
	assert.Equal(t, []string{"env"}, r.Backends())
}
