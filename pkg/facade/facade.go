// Package facade exposes the coordinator and its workers over a thin HTTP
// JSON API, plus a websocket stream of trajectory events, matching the
// route table of §6.
package facade

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/droidlab/droidlab/pkg/coordinator"
	"github.com/droidlab/droidlab/pkg/util"
	"github.com/droidlab/droidlab/pkg/worker"
)

// Server wires a Coordinator behind net/http, dispatching worker-scoped
// requests (/api/env/*, /api/reward/*) to whichever registered worker
// handles that route.
type Server struct {
	coord *coordinator.Coordinator
	hub   *EventHub

	// envWorkerID and rewardWorkerID name the workers that handle
	// /api/env/* and /api/reward/* requests.
	envWorkerID    string
	rewardWorkerID string
}

// New builds a Server around coord. envWorkerID and rewardWorkerID name the
// workers registered with coord that should receive /api/env/* and
// /api/reward/* requests respectively.
func New(coord *coordinator.Coordinator, envWorkerID, rewardWorkerID string) *Server {
	return &Server{
		coord:          coord,
		hub:            NewEventHub(),
		envWorkerID:    envWorkerID,
		rewardWorkerID: rewardWorkerID,
	}
}

// Hub returns the server's event hub, for components (e.g. the trajectory
// manager) that want to publish step/create/remove events.
func (s *Server) Hub() *EventHub { return s.hub }

// Handler builds the full route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/coordinator/status", s.handleCoordinatorStatus)
	mux.HandleFunc("GET /api/coordinator/workers", s.handleCoordinatorWorkers)

	mux.HandleFunc("POST /api/workers/{id}/start", s.handleWorkerAction(startWorker))
	mux.HandleFunc("POST /api/workers/{id}/stop", s.handleWorkerAction(stopWorker))
	mux.HandleFunc("POST /api/workers/{id}/restart", s.handleWorkerAction(restartWorker))
	mux.HandleFunc("PUT /api/workers/{id}/config", s.handleWorkerConfig)
	mux.HandleFunc("GET /api/workers/{id}/status", s.handleWorkerStatus)

	mux.HandleFunc("POST /api/env/create", s.handleEnv("create"))
	mux.HandleFunc("POST /api/env/save", s.handleEnv("save"))
	mux.HandleFunc("POST /api/env/load", s.handleEnv("load"))
	mux.HandleFunc("POST /api/env/step", s.handleEnv("step"))
	mux.HandleFunc("POST /api/env/remove", s.handleEnv("remove"))
	mux.HandleFunc("GET /api/env/actions", s.handleEnv("actions"))

	mux.HandleFunc("POST /api/reward/calculate", s.handleReward("calculate"))

	mux.HandleFunc("GET /api/events", s.hub.ServeWS)

	return mux
}

func (s *Server) handleCoordinatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_count": s.coord.Status(),
	})
}

func (s *Server) handleCoordinatorWorkers(w http.ResponseWriter, r *http.Request) {
	statuses := s.coord.Workers(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": statuses})
}

type workerAction int

const (
	startWorker workerAction = iota
	stopWorker
	restartWorker
)

func (s *Server) handleWorkerAction(action workerAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		wk, ok := s.coord.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown worker id")
			return
		}

		var err error
		switch action {
		case startWorker:
			err = wk.Start(r.Context())
		case stopWorker:
			err = wk.Stop(r.Context())
		case restartWorker:
			err = s.coord.Restart(r.Context(), id)
		}
		if err != nil {
			util.WithField("worker", id).Errorf("worker action failed: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

func (s *Server) handleWorkerConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wk, ok := s.coord.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown worker id")
		return
	}
	var delta map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := wk.UpdateConfig(delta); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wk, ok := s.coord.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown worker id")
		return
	}
	hb, err := wk.Heartbeat(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":           wk.Kind(),
		"status":         hb.Status,
		"resources":      hb.Resources,
		"last_heartbeat": hb.LastHeartbeat,
	})
}

func (s *Server) handleEnv(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, s.envWorkerID, op)
	}
}

func (s *Server) handleReward(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, s.rewardWorkerID, op)
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, workerID, op string) {
	wk, ok := s.coord.Get(workerID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "worker not registered")
		return
	}

	payload := map[string]interface{}{}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	start := time.Now()
	resp, err := wk.HandleRequest(r.Context(), worker.Request{Op: op, Payload: payload})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.Publish(Event{
		TrajectoryID: stringField(payload, "trajectory_id"),
		Operation:    op,
		Success:      resp.Success,
		DurationMS:   time.Since(start).Milliseconds(),
	})

	if !resp.Success {
		writeJSON(w, statusForDomainError(resp.Error), map[string]interface{}{
			"success": false,
			"error":   resp.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    resp.Data,
	})
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}

// statusForDomainError picks an HTTP status from a domain error message.
// Workers surface plain error strings, not *util.DomainError, across the
// Worker interface boundary, so this is a best-effort mapping rather than
// a util.KindOf lookup.
func statusForDomainError(message string) int {
	switch {
	case strings.Contains(message, "unknown trajectory"), strings.Contains(message, "no binding"):
		return http.StatusNotFound
	case strings.Contains(message, "invalid action"), strings.Contains(message, "unknown"):
		return http.StatusBadRequest
	case strings.Contains(message, "bridge unavailable"), strings.Contains(message, "no ports"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Errorf("facade: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
