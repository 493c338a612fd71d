package worker

import (
	"testing"
	"time"
)

func TestBaseWorker_InitialState(t *testing.T) {
	b := NewBaseWorker()
	status, last := b.Snapshot()
	if status != StatusIdle {
		t.Errorf("status = %q, want %q", status, StatusIdle)
	}
	if !last.IsZero() {
		t.Errorf("last heartbeat should be zero before first MarkHeartbeat")
	}
}

func TestBaseWorker_SetStatusAndHeartbeat(t *testing.T) {
	b := NewBaseWorker()
	b.SetStatus(StatusRunning)
	b.MarkHeartbeat()

	status, last := b.Snapshot()
	if status != StatusRunning {
		t.Errorf("status = %q, want %q", status, StatusRunning)
	}
	if time.Since(last) > time.Second {
		t.Errorf("last heartbeat not recent: %v", last)
	}
}
