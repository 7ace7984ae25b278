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

package mcp

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{time.Second, 0, time.Second},
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 5, 16 * time.Second},
		{time.Second, 6, maxBackoff},
		{100 * time.Millisecond, 4, 800 * time.Millisecond},
		{time.Second, 64, maxBackoff},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.base, tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%v, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
		}
	}
}

func TestRestartLimiter(t *testing.T) {
	mgr := NewManager(ManagerConfig{Settings: Settings{MaxRestarts: 3, RestartWindow: time.Hour}})
	defer mgr.Close()

	limiter := mgr.newRestartLimiter()
	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("restart %d denied, want allowed", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("fourth restart within the window allowed, want denied")
	}
}

func TestScheduleRestart_RequiresAutoRestart(t *testing.T) {
	source := NewStaticSource(ServerConfig{Name: "manual", Command: "true"})
	mgr := NewManager(ManagerConfig{Source: source, Logger: quietLogger()})
	defer mgr.Close()

	st := mgr.stateFor("manual", true)
	st.state = StateCrashed

	mgr.scheduleRestart("manual", "crashed")

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.restartTimer != nil {
		t.Error("restart scheduled for a server without autoRestart")
	}
}
