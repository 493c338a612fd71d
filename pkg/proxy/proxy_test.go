package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/droidlab/droidlab/pkg/worker"
)

func requestAddRoute(trajectoryID string, bridgePort int) worker.Request {
	return worker.Request{Op: "add_route", Payload: map[string]interface{}{
		"trajectory_id": trajectoryID,
		"bridge_port":   float64(bridgePort),
	}}
}

func requestRemoveRoute(trajectoryID string) worker.Request {
	return worker.Request{Op: "remove_route", Payload: map[string]interface{}{
		"trajectory_id": trajectoryID,
	}}
}

func requestUnknown() worker.Request {
	return worker.Request{Op: "teleport"}
}

func TestKind(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "proxy.conf"), []string{"true"})
	if w.Kind() != "proxy" {
		t.Errorf("Kind() = %q", w.Kind())
	}
}

func TestAddRouteAndReload_RendersConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "proxy.conf")
	w := New(configPath, []string{"true"})

	resp, err := w.HandleRequest(context.Background(), requestAddRoute("traj-1", 5555))
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading rendered config: %v", err)
	}
	if !strings.Contains(string(data), "droidlab_traj-1") {
		t.Errorf("rendered config missing route: %s", data)
	}
	if !strings.Contains(string(data), "127.0.0.1:5555") {
		t.Errorf("rendered config missing upstream port: %s", data)
	}
}

func TestRemoveRoute_DropsUpstream(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "proxy.conf")
	w := New(configPath, []string{"true"})

	if _, err := w.HandleRequest(context.Background(), requestAddRoute("traj-1", 5555)); err != nil {
		t.Fatalf("HandleRequest add: %v", err)
	}
	if _, err := w.HandleRequest(context.Background(), requestRemoveRoute("traj-1")); err != nil {
		t.Fatalf("HandleRequest remove: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading rendered config: %v", err)
	}
	if strings.Contains(string(data), "droidlab_traj-1") {
		t.Errorf("removed route still present: %s", data)
	}
}

func TestHandleRequest_UnknownOp(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "proxy.conf"), []string{"true"})
	resp, err := w.HandleRequest(context.Background(), requestUnknown())
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown op")
	}
}

func TestHeartbeat_ReportsRouteCount(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "proxy.conf"), []string{"true"})
	w.AddRoute("traj-1", 5555)
	w.AddRoute("traj-2", 5557)

	hb, err := w.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.Resources["routes"] != 2 {
		t.Errorf("routes = %v, want 2", hb.Resources["routes"])
	}
}
