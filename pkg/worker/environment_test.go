package worker

import (
	"context"
	"testing"
	"time"

	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/trajectory"
)

func newTestEnvironmentWorker(t *testing.T) *EnvironmentWorker {
	t.Helper()
	b := bridge.NewClient("/nonexistent/adb")
	ports := trajectory.NewPortAllocator(t.TempDir(), 5554, b)
	sup := trajectory.NewSupervisor(b, ports, t.TempDir(), time.Second)
	obs := trajectory.NewBuilder(b)
	snaps, err := trajectory.NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotStore: %v", err)
	}
	manager := trajectory.NewManager(b, ports, sup, obs, snaps, trajectory.Config{
		AVDName:        "test_avd",
		EmulatorBinary: "/nonexistent/emulator",
		BootOptions:    trajectory.DefaultBootOptions(),
	})
	return NewEnvironmentWorker(manager, time.Minute)
}

func TestEnvironmentWorker_Kind(t *testing.T) {
	w := newTestEnvironmentWorker(t)
	if w.Kind() != "environment" {
		t.Errorf("Kind() = %q, want environment", w.Kind())
	}
}

func TestEnvironmentWorker_StartStop(t *testing.T) {
	w := newTestEnvironmentWorker(t)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hb, err := w.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.Status != StatusRunning {
		t.Errorf("status = %q, want running", hb.Status)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEnvironmentWorker_HandleRequest_Actions(t *testing.T) {
	w := newTestEnvironmentWorker(t)
	resp, err := w.HandleRequest(context.Background(), Request{Op: "actions"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	actions, ok := resp.Data["actions"].([]string)
	if !ok || len(actions) == 0 {
		t.Errorf("expected non-empty actions list, got %v", resp.Data["actions"])
	}
}

func TestEnvironmentWorker_HandleRequest_UnknownOp(t *testing.T) {
	w := newTestEnvironmentWorker(t)
	resp, err := w.HandleRequest(context.Background(), Request{Op: "teleport"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown op")
	}
}

func TestEnvironmentWorker_UpdateConfig(t *testing.T) {
	w := newTestEnvironmentWorker(t)
	if err := w.UpdateConfig(map[string]interface{}{"max_idle_time": float64(120)}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if w.maxIdleTime != 120*time.Second {
		t.Errorf("maxIdleTime = %v, want 120s", w.maxIdleTime)
	}
}
