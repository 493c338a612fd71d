package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droidlab/droidlab/pkg/trajectory"
	"github.com/droidlab/droidlab/pkg/util"
)

// idleScanInterval is how often the Environment Worker's background loop
// checks for idle trajectories (§4.7).
const idleScanInterval = 60 * time.Second

// EnvironmentWorker wraps a trajectory.Manager behind the Worker interface,
// and prunes idle trajectories in its background loop.
type EnvironmentWorker struct {
	BaseWorker

	manager     *trajectory.Manager
	maxIdleTime time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEnvironmentWorker builds an EnvironmentWorker around a trajectory
// Manager, idling out trajectories after maxIdleTime (default 3600s).
func NewEnvironmentWorker(manager *trajectory.Manager, maxIdleTime time.Duration) *EnvironmentWorker {
	if maxIdleTime <= 0 {
		maxIdleTime = 3600 * time.Second
	}
	return &EnvironmentWorker{
		BaseWorker:  NewBaseWorker(),
		manager:     manager,
		maxIdleTime: maxIdleTime,
	}
}

func (w *EnvironmentWorker) Kind() string { return "environment" }

func (w *EnvironmentWorker) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.SetStatus(StatusRunning)
	w.MarkHeartbeat()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(idleScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				removed := w.manager.PruneIdle(loopCtx, w.maxIdleTime)
				if len(removed) > 0 {
					util.Infof("environment worker: pruned %d idle trajectories", len(removed))
				}
				w.MarkHeartbeat()
			}
		}
	}()
	return nil
}

func (w *EnvironmentWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.SetStatus(StatusStopped)
	return nil
}

func (w *EnvironmentWorker) Heartbeat(ctx context.Context) (Heartbeat, error) {
	status, last := w.Snapshot()
	return Heartbeat{
		Status:        status,
		LastHeartbeat: last,
		Resources:     map[string]interface{}{"active_trajectories": w.manager.ActiveCount()},
	}, nil
}

func (w *EnvironmentWorker) UpdateConfig(delta map[string]interface{}) error {
	if v, ok := delta["max_idle_time"]; ok {
		if seconds, ok := v.(float64); ok {
			w.maxIdleTime = time.Duration(seconds) * time.Second
		}
	}
	return nil
}

// HandleRequest dispatches create/step/save/load/remove/reset against the
// wrapped Manager, matching the /api/env/* route table of §6.
func (w *EnvironmentWorker) HandleRequest(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case "create":
		trajectoryID, deviceID, err := w.manager.Create(ctx)
		if err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true, Data: map[string]interface{}{
			"trajectory_id": trajectoryID,
			"device_id":     deviceID,
		}}, nil

	case "step":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		action := req.Payload["command"]
		if action == nil {
			action = req.Payload["action"]
		}
		if action == nil {
			action = req.Payload["action_payload"]
		}
		obs, err := w.manager.Step(ctx, trajectoryID, action)
		if err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true, Data: map[string]interface{}{"observation": obs}}, nil

	case "save":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		meta, err := w.manager.Save(ctx, trajectoryID)
		if err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true, Data: map[string]interface{}{
			"snapshot_path": fmt.Sprintf("%s.json", meta.TrajectoryID),
		}}, nil

	case "load":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		deviceID, err := w.manager.Load(ctx, trajectoryID)
		if err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true, Data: map[string]interface{}{"device_id": deviceID}}, nil

	case "remove":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		if err := w.manager.Remove(ctx, trajectoryID); err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true}, nil

	case "reset":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		if err := w.manager.Reset(ctx, trajectoryID); err != nil {
			return errorResponse(err), nil
		}
		return Response{Success: true}, nil

	case "actions":
		return Response{Success: true, Data: map[string]interface{}{"actions": trajectory.ListActions()}}, nil

	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown environment op %q", req.Op)}, nil
	}
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
