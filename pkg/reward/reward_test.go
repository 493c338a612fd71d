package reward

import (
	"context"
	"testing"

	"github.com/droidlab/droidlab/pkg/worker"
)

func TestNew_RegistersBuiltins(t *testing.T) {
	w := New()
	if _, ok := w.funcs["task_success"]; !ok {
		t.Error("task_success not registered")
	}
	if _, ok := w.funcs["step_penalty"]; !ok {
		t.Error("step_penalty not registered")
	}
}

func TestHandleRequest_TaskSuccess(t *testing.T) {
	w := New()
	resp, err := w.HandleRequest(context.Background(), worker.Request{
		Op: "calculate",
		Payload: map[string]interface{}{
			"trajectory_id":   "traj-1",
			"reward_type":     "task_success",
			"trajectory_data": map[string]interface{}{"task_completed": true},
		},
	})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.Data["reward"].(float64) != 1.0 {
		t.Errorf("reward = %v, want 1.0", resp.Data["reward"])
	}
}

func TestHandleRequest_CachesResult(t *testing.T) {
	w := New()
	calls := 0
	w.Register("count_calls", func(trajectoryID string, data map[string]interface{}) (float64, map[string]interface{}, error) {
		calls++
		return float64(calls), nil, nil
	})

	req := worker.Request{Op: "calculate", Payload: map[string]interface{}{
		"trajectory_id": "traj-2",
		"reward_type":   "count_calls",
	}}

	first, err := w.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	second, err := w.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}

	if first.Data["reward"] != second.Data["reward"] {
		t.Errorf("expected cached reward, got %v then %v", first.Data["reward"], second.Data["reward"])
	}
	if calls != 1 {
		t.Errorf("reward func called %d times, want 1 (cached)", calls)
	}
}

func TestHandleRequest_UnknownRewardType(t *testing.T) {
	w := New()
	resp, err := w.HandleRequest(context.Background(), worker.Request{
		Op: "calculate",
		Payload: map[string]interface{}{
			"trajectory_id": "traj-3",
			"reward_type":   "does_not_exist",
		},
	})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown reward_type")
	}
}

func TestHandleRequest_UnknownOp(t *testing.T) {
	w := New()
	resp, err := w.HandleRequest(context.Background(), worker.Request{Op: "bogus"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown op")
	}
}

func TestStepPenaltyReward(t *testing.T) {
	reward, _, err := stepPenaltyReward("traj-4", map[string]interface{}{"step_count": float64(4)})
	if err != nil {
		t.Fatalf("stepPenaltyReward: %v", err)
	}
	if reward != 0.25 {
		t.Errorf("reward = %v, want 0.25", reward)
	}
}

func TestTaskSuccessReward_Incomplete(t *testing.T) {
	reward, details, err := taskSuccessReward("traj-5", map[string]interface{}{"task_completed": false})
	if err != nil {
		t.Fatalf("taskSuccessReward: %v", err)
	}
	if reward != 0.0 {
		t.Errorf("reward = %v, want 0.0", reward)
	}
	if details["reason"] != "task_incomplete" {
		t.Errorf("details = %v", details)
	}
}
