// Package coordinator registers workers, monitors their heartbeats, and
// restarts unresponsive ones.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/droidlab/droidlab/pkg/registry"
	"github.com/droidlab/droidlab/pkg/util"
	"github.com/droidlab/droidlab/pkg/worker"
)

const (
	monitorInterval    = 10 * time.Second
	heartbeatThreshold = 60 * time.Second
)

// WorkerStatus is the aggregated view of one registered worker, as returned
// by GET /api/coordinator/workers.
type WorkerStatus struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Status        worker.Status `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// record pairs a worker with its last observed heartbeat.
type record struct {
	w             worker.Worker
	lastHeartbeat worker.Heartbeat
}

// Coordinator registers workers, polls their heartbeats every 10s, and
// restarts any worker whose status is error or whose heartbeat has been
// silent for more than 60s (§4.7).
type Coordinator struct {
	mu       sync.Mutex
	workers  map[string]*record
	restarts prometheus.Counter
	registry *registry.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetRegistry attaches the shared cross-process registry so every sweep
// publishes worker heartbeats beyond this process. A nil registry (the
// default) leaves the coordinator's own heartbeat table authoritative.
func (c *Coordinator) SetRegistry(r *registry.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = r
}

// New builds an empty Coordinator. reg may be nil to skip
// Prometheus registration (e.g. in tests).
func New(reg prometheus.Registerer) *Coordinator {
	restarts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "droidlab_coordinator_worker_restarts_total",
		Help: "Number of times the coordinator has restarted a worker.",
	})
	if reg != nil {
		reg.MustRegister(restarts)
	}
	return &Coordinator{
		workers:  make(map[string]*record),
		restarts: restarts,
	}
}

// Register assigns a fresh id to w and records it under that id.
func (c *Coordinator) Register(w worker.Worker) string {
	id := uuid.New().String()
	c.mu.Lock()
	c.workers[id] = &record{w: w}
	c.mu.Unlock()
	return id
}

// Unregister removes a worker and its status record.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, id)
}

// StartAll starts every registered worker, then launches the monitor loop.
func (c *Coordinator) StartAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.startWorker(ctx, id); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.monitorLoop(loopCtx)
	return nil
}

// StopAll stops the monitor loop and every registered worker, in orderly
// SIGINT/SIGTERM shutdown fashion.
func (c *Coordinator) StopAll(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		c.mu.Lock()
		r, ok := c.workers[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := r.w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) startWorker(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.workers[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown worker %s", id)
	}
	if err := r.w.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: starting worker %s: %w", id, err)
	}
	hb, _ := r.w.Heartbeat(ctx)
	c.mu.Lock()
	r.lastHeartbeat = hb
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep calls heartbeat on every worker, restarting any worker that is
// erroring or has gone silent. The coordinator's mutex guards only the
// worker table and is released before each Heartbeat call.
func (c *Coordinator) sweep(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		r, ok := c.workers[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		hb, err := r.w.Heartbeat(ctx)
		needsRestart := err != nil || hb.Status == worker.StatusError
		if !needsRestart && !hb.LastHeartbeat.IsZero() && time.Since(hb.LastHeartbeat) > heartbeatThreshold {
			needsRestart = true
		}

		c.mu.Lock()
		r.lastHeartbeat = hb
		reg := c.registry
		c.mu.Unlock()

		if !hb.LastHeartbeat.IsZero() {
			if err := reg.PutHeartbeat(ctx, id, hb.LastHeartbeat); err != nil {
				util.WithField("worker", id).Warnf("registry put_heartbeat failed: %v", err)
			}
		}

		if needsRestart {
			util.WithField("worker", id).Warnf("restarting unresponsive worker (kind=%s)", r.w.Kind())
			r.w.Stop(ctx)
			if err := r.w.Start(ctx); err != nil {
				util.WithField("worker", id).Errorf("restart failed: %v", err)
				continue
			}
			if c.restarts != nil {
				c.restarts.Inc()
			}
		}
	}
}

// Status returns the coordinator's own aggregated status, for
// GET /api/coordinator/status.
func (c *Coordinator) Status() (workerCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

// Workers returns the current status of every registered worker, for
// GET /api/coordinator/workers.
func (c *Coordinator) Workers(ctx context.Context) []WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]WorkerStatus, 0, len(c.workers))
	for id, r := range c.workers {
		out = append(out, WorkerStatus{
			ID:            id,
			Kind:          r.w.Kind(),
			Status:        r.lastHeartbeat.Status,
			LastHeartbeat: r.lastHeartbeat.LastHeartbeat,
		})
	}
	return out
}

// Get returns the worker registered under id, if any.
func (c *Coordinator) Get(id string) (worker.Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.workers[id]
	if !ok {
		return nil, false
	}
	return r.w, true
}

// Restart stops then starts the worker registered under id. Idempotent: a
// double-restart still leaves exactly one running worker (Testable
// Property 8).
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.workers[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: unknown worker %s", id)
	}
	r.w.Stop(ctx)
	if err := r.w.Start(ctx); err != nil {
		return err
	}
	hb, _ := r.w.Heartbeat(ctx)
	c.mu.Lock()
	r.lastHeartbeat = hb
	c.mu.Unlock()
	return nil
}
