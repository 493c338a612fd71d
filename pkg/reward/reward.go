// Package reward implements a minimal Reward Worker: a pluggable registry
// of reward functions over an in-memory TTL cache of computed rewards,
// keyed by trajectory_id.
package reward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droidlab/droidlab/pkg/worker"
)

// cacheTTL and sweepInterval match spec.md §4.7's Reward Worker loop:
// evicts entries older than 3600s, scanned every 300s.
const (
	cacheTTL      = 3600 * time.Second
	sweepInterval = 300 * time.Second
)

// Func computes a reward for a trajectory given its recorded trajectory
// data. Implementations are registered per reward_type string.
type Func func(trajectoryID string, trajectoryData map[string]interface{}) (float64, map[string]interface{}, error)

type cacheEntry struct {
	reward    float64
	details   map[string]interface{}
	computed  time.Time
}

// Worker is the Reward Worker: dispatches to a registered Func by
// reward_type and caches results per trajectory_id.
type Worker struct {
	worker.BaseWorker

	mu    sync.Mutex
	funcs map[string]Func
	cache map[string]cacheEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Reward Worker with the built-in reward functions
// pre-registered.
func New() *Worker {
	w := &Worker{
		funcs: make(map[string]Func),
		cache: make(map[string]cacheEntry),
	}
	w.Register("task_success", taskSuccessReward)
	w.Register("step_penalty", stepPenaltyReward)
	return w
}

// Register adds or replaces the Func for reward_type.
func (w *Worker) Register(rewardType string, fn Func) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.funcs[rewardType] = fn
}

func (w *Worker) Kind() string { return "reward" }

func (w *Worker) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.SetStatus(worker.StatusRunning)
	w.MarkHeartbeat()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				w.evictExpired()
				w.MarkHeartbeat()
			}
		}
	}()
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.SetStatus(worker.StatusStopped)
	return nil
}

func (w *Worker) Heartbeat(ctx context.Context) (worker.Heartbeat, error) {
	status, last := w.Snapshot()
	w.mu.Lock()
	size := len(w.cache)
	w.mu.Unlock()
	return worker.Heartbeat{
		Status:        status,
		LastHeartbeat: last,
		Resources:     map[string]interface{}{"cache_size": size},
	}, nil
}

func (w *Worker) UpdateConfig(delta map[string]interface{}) error { return nil }

// HandleRequest implements POST /api/reward/calculate.
func (w *Worker) HandleRequest(ctx context.Context, req worker.Request) (worker.Response, error) {
	if req.Op != "calculate" {
		return worker.Response{Success: false, Error: fmt.Sprintf("unknown reward op %q", req.Op)}, nil
	}

	trajectoryID, _ := req.Payload["trajectory_id"].(string)
	rewardType, _ := req.Payload["reward_type"].(string)
	data, _ := req.Payload["trajectory_data"].(map[string]interface{})

	if entry, ok := w.cached(trajectoryID); ok {
		return worker.Response{Success: true, Data: map[string]interface{}{
			"reward": entry.reward, "details": entry.details,
		}}, nil
	}

	w.mu.Lock()
	fn, ok := w.funcs[rewardType]
	w.mu.Unlock()
	if !ok {
		return worker.Response{Success: false, Error: fmt.Sprintf("unknown reward_type %q", rewardType)}, nil
	}

	reward, details, err := fn(trajectoryID, data)
	if err != nil {
		return worker.Response{Success: false, Error: err.Error()}, nil
	}

	w.mu.Lock()
	w.cache[trajectoryID] = cacheEntry{reward: reward, details: details, computed: time.Now()}
	w.mu.Unlock()

	return worker.Response{Success: true, Data: map[string]interface{}{
		"reward": reward, "details": details,
	}}, nil
}

func (w *Worker) cached(trajectoryID string) (cacheEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.cache[trajectoryID]
	if !ok || time.Since(e.computed) > cacheTTL {
		return cacheEntry{}, false
	}
	return e, true
}

func (w *Worker) evictExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-cacheTTL)
	for id, e := range w.cache {
		if e.computed.Before(cutoff) {
			delete(w.cache, id)
		}
	}
}

// taskSuccessReward is a minimal built-in reward function: 1.0 if the
// trajectory data reports task_completed=true, else 0.0.
func taskSuccessReward(trajectoryID string, data map[string]interface{}) (float64, map[string]interface{}, error) {
	completed, _ := data["task_completed"].(bool)
	if completed {
		return 1.0, map[string]interface{}{"reason": "task_completed"}, nil
	}
	return 0.0, map[string]interface{}{"reason": "task_incomplete"}, nil
}

// stepPenaltyReward returns 1/step_count (a missing or non-positive
// step_count counts as 1); task completion is not considered.
func stepPenaltyReward(trajectoryID string, data map[string]interface{}) (float64, map[string]interface{}, error) {
	steps, _ := data["step_count"].(float64)
	if steps <= 0 {
		steps = 1
	}
	reward := 1.0 / steps
	return reward, map[string]interface{}{"step_count": steps}, nil
}
