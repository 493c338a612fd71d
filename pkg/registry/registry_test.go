package registry

import (
	"context"
	"testing"
	"time"
)

func TestNew_EmptyAddrDisabled(t *testing.T) {
	r := New("")
	if r != nil {
		t.Fatal("New(\"\") should return a nil Registry")
	}
}

// TestNilRegistry_NoOps exercises the nil-receiver-safe no-op contract: a
// disabled Registry must be safe to call every method on.
func TestNilRegistry_NoOps(t *testing.T) {
	var r *Registry

	if err := r.Ping(context.Background()); err != nil {
		t.Errorf("Ping on nil registry: %v", err)
	}
	if err := r.PutBinding(context.Background(), "traj-1", "emulator-5554", 5554); err != nil {
		t.Errorf("PutBinding on nil registry: %v", err)
	}
	if err := r.RemoveBinding(context.Background(), "traj-1"); err != nil {
		t.Errorf("RemoveBinding on nil registry: %v", err)
	}
	if err := r.PutHeartbeat(context.Background(), "worker-1", time.Now()); err != nil {
		t.Errorf("PutHeartbeat on nil registry: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on nil registry: %v", err)
	}
}

func TestBindingKey(t *testing.T) {
	if got := bindingKey("traj-1"); got != "droidlab:binding:traj-1" {
		t.Errorf("bindingKey = %q", got)
	}
}

func TestHeartbeatKey(t *testing.T) {
	if got := heartbeatKey("worker-1"); got != "droidlab:heartbeat:worker-1" {
		t.Errorf("heartbeatKey = %q", got)
	}
}
