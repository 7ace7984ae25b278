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

//go:build !windows

package process

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_KillAfterGrace(t *testing.T) {
	rec := &exitRecorder{}
	s := NewSupervisor(SupervisorConfig{OnExit: rec.record})

	h, err := s.Start(helperConfig("stubborn", "ignore-term"))
	require.NoError(t, err)

	// Wait until SIGTERM is ignored.
	line, err := bufio.NewReader(h.Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), "stubborn", 200*time.Millisecond))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, StatusStopped, h.Status())

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusStopped, rec.snapshot()[0].Status)
}
