package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent("inventory")

	state := tracker.GetState("inventory")
	if state != StateStarting {
		t.Errorf("Expected initial state to be StateStarting, got %s", state)
	}
	if tracker.CanServe("inventory") {
		t.Error("Expected a starting component not to serve")
	}
	if tracker.GetState("unknown") != StateUnavailable {
		t.Error("Expected unregistered components to be unavailable")
	}
}

func TestTracker_FirstSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")

	// errors before the first success keep the component starting
	tracker.RecordError("inventory", fmt.Errorf("missing file"))
	tracker.RecordError("inventory", fmt.Errorf("missing file"))
	tracker.RecordError("inventory", fmt.Errorf("missing file"))
	if state := tracker.GetState("inventory"); state != StateStarting {
		t.Errorf("Expected StateStarting before first success, got %s", state)
	}

	tracker.RecordSuccess("inventory")

	health, err := tracker.GetComponentHealth("inventory")
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if health.State != StateHealthy {
		t.Errorf("Expected StateHealthy after first success, got %s", health.State)
	}
	if health.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after first success, got %d", health.ConsecutiveErrors)
	}
}

func TestTracker_RecordError_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	tracker := NewTracker(config)
	tracker.RegisterComponent("inventory")
	tracker.RecordSuccess("inventory")

	for i := 0; i < 2; i++ {
		tracker.RecordError("inventory", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("inventory"); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError("inventory", fmt.Errorf("error 3"))
	if state := tracker.GetState("inventory"); state != StateDegraded {
		t.Errorf("Expected StateDegraded after threshold, got %s", state)
	}
	if !tracker.CanServe("inventory") {
		t.Error("Expected a degraded component to keep serving")
	}
}

func TestTracker_RecordError_Unavailable(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	config.UnavailableThreshold = 10
	tracker := NewTracker(config)
	tracker.RegisterComponent("inventory")

	for i := 0; i < 10; i++ {
		tracker.RecordError("inventory", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("inventory"); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable after unavailable threshold, got %s", state)
	}

	health, _ := tracker.GetComponentHealth("inventory")
	if health.LastErrorMessage != "error 9" {
		t.Errorf("Expected last error message 'error 9', got %q", health.LastErrorMessage)
	}

	tracker.RecordSuccess("inventory")
	if state := tracker.GetState("inventory"); state != StateHealthy {
		t.Errorf("Expected StateHealthy after success, got %s", state)
	}
}

func TestTracker_RecoveryFromDegradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	tracker := NewTracker(config)
	tracker.RegisterComponent("inventory")
	tracker.RecordSuccess("inventory")

	for i := 0; i < 3; i++ {
		tracker.RecordError("inventory", fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState("inventory"); state != StateDegraded {
		t.Errorf("Expected StateDegraded, got %s", state)
	}

	tracker.RecordSuccess("inventory")
	if state := tracker.GetState("inventory"); state != StateDegraded {
		t.Errorf("Expected StateDegraded after one success, got %s", state)
	}

	tracker.RecordSuccess("inventory")
	tracker.RecordSuccess("inventory")
	if state := tracker.GetState("inventory"); state != StateHealthy {
		t.Errorf("Expected StateHealthy after recovery, got %s", state)
	}

	health, _ := tracker.GetComponentHealth("inventory")
	if health.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after recovery, got %d", health.ConsecutiveErrors)
	}
	if health.LastErrorMessage != "" {
		t.Errorf("Expected last error cleared after recovery, got %q", health.LastErrorMessage)
	}
}

func TestTracker_GetOverallHealth(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config)

	if state := tracker.GetOverallHealth(); state != StateHealthy {
		t.Errorf("Expected healthy with no components, got %s", state)
	}

	tracker.RegisterComponent("inventory")
	tracker.RegisterComponent("accesslist")
	if state := tracker.GetOverallHealth(); state != StateStarting {
		t.Errorf("Expected starting, got %s", state)
	}

	tracker.RecordSuccess("inventory")
	tracker.RecordSuccess("accesslist")
	if state := tracker.GetOverallHealth(); state != StateHealthy {
		t.Errorf("Expected healthy, got %s", state)
	}

	tracker.RecordError("accesslist", fmt.Errorf("stat failed"))
	if state := tracker.GetOverallHealth(); state != StateDegraded {
		t.Errorf("Expected worst state degraded, got %s", state)
	}
}

type stateChange struct {
	component string
	oldState  HealthState
	newState  HealthState
}

type testHealthListener struct {
	mu           sync.Mutex
	stateChanges chan stateChange
	checks       []bool
}

func (l *testHealthListener) OnStateChange(component string, oldState, newState HealthState, err error) {
	l.stateChanges <- stateChange{component, oldState, newState}
}

func (l *testHealthListener) OnHealthCheck(component string, healthy bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = append(l.checks, healthy)
}

func TestTracker_HealthListener(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")

	listener := &testHealthListener{stateChanges: make(chan stateChange, 4)}
	tracker.AddHealthListener(listener)

	tracker.RecordError("inventory", fmt.Errorf("test error"))
	tracker.RecordSuccess("inventory")

	listener.mu.Lock()
	checks := append([]bool(nil), listener.checks...)
	listener.mu.Unlock()
	if len(checks) != 2 || checks[0] || !checks[1] {
		t.Errorf("Expected checks [false true], got %v", checks)
	}

	select {
	case change := <-listener.stateChanges:
		if change.oldState != StateStarting || change.newState != StateHealthy {
			t.Errorf("Expected starting -> healthy, got %s -> %s", change.oldState, change.newState)
		}
	case <-time.After(time.Second):
		t.Fatal("State change was not delivered")
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	tracker := NewTracker(config)
	tracker.RegisterComponent("inventory")
	tracker.RecordSuccess("inventory")

	changes := make(chan stateChange, 1)
	tracker.AddStateChangeCallback(StateDegraded, func(component string, oldState, newState HealthState, err error) {
		changes <- stateChange{component, oldState, newState}
	})

	for i := 0; i < 3; i++ {
		tracker.RecordError("inventory", fmt.Errorf("error %d", i))
	}

	select {
	case change := <-changes:
		if change.component != "inventory" {
			t.Errorf("Expected component='inventory', got '%s'", change.component)
		}
		if change.oldState != StateHealthy || change.newState != StateDegraded {
			t.Errorf("Expected healthy -> degraded, got %s -> %s", change.oldState, change.newState)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback was not called")
	}
}

func TestTracker_GetAllComponents(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")
	tracker.RegisterComponent("accesslist")
	tracker.SetComponentMetadata("inventory", "generation", 7)

	all := tracker.GetAllComponents()
	if len(all) != 2 {
		t.Fatalf("Expected 2 components, got %d", len(all))
	}
	if all["inventory"].Metadata["generation"] != 7 {
		t.Errorf("Expected metadata generation=7, got %v", all["inventory"].Metadata["generation"])
	}

	// the copy is detached from the tracker
	all["inventory"].Metadata["generation"] = 8
	again, _ := tracker.GetComponentHealth("inventory")
	if again.Metadata["generation"] != 7 {
		t.Error("Expected returned metadata to be a copy")
	}

	names := tracker.Components()
	if len(names) != 2 || names[0] != "accesslist" || names[1] != "inventory" {
		t.Errorf("Expected sorted component names, got %v", names)
	}
}

func TestTracker_GetComponentHealth_NotRegistered(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	if _, err := tracker.GetComponentHealth("non-existent"); err == nil {
		t.Error("Expected error for non-existent component")
	}
}

func TestTracker_StartHealthChecks(t *testing.T) {
	config := DefaultConfig()
	config.HealthCheckInterval = 20 * time.Millisecond
	config.UnavailableThreshold = 2
	tracker := NewTracker(config)
	tracker.RegisterComponent("inventory")
	listener := &testHealthListener{stateChanges: make(chan stateChange, 16)}
	tracker.AddHealthListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.StartHealthChecks(ctx, func(component string) error {
			checks.Add(1)
			return fmt.Errorf("no snapshot")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.GetState("inventory") != StateUnavailable && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if state := tracker.GetState("inventory"); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable after failed health checks, got %s", state)
	}
	if checks.Load() < 2 {
		t.Errorf("Expected at least 2 health checks, got %d", checks.Load())
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.checks) < 2 {
		t.Fatalf("Expected listener to see at least 2 checks, got %d", len(listener.checks))
	}
	for _, healthy := range listener.checks {
		if healthy {
			t.Error("Expected every reported check to be unhealthy")
		}
	}
}

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateStarting, "starting"},
		{StateUnavailable, "unavailable"},
		{HealthState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.state.String(); result != tt.expected {
				t.Errorf("String() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestComponentHealth_JSON(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")
	tracker.RecordSuccess("inventory")

	health, _ := tracker.GetComponentHealth("inventory")
	data, err := json.Marshal(health)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if decoded["state"] != "healthy" {
		t.Errorf("Expected state encoded as \"healthy\", got %v", decoded["state"])
	}
}

// Benchmark tests
func BenchmarkTracker_RecordSuccess(b *testing.B) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.RecordSuccess("inventory")
	}
}

func BenchmarkTracker_GetState(b *testing.B) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("inventory")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracker.GetState("inventory")
	}
}
