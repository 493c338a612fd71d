// Package proxy implements the Proxy Worker: a thin wrapper around an
// external reverse-proxy daemon (nginx), rendering a config mapping
// trajectory_id to emulator bridge port and signalling a reload.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"text/template"

	"github.com/droidlab/droidlab/pkg/worker"
)

const configTemplate = `# generated by droidlab proxy worker — do not edit by hand
{{range .Routes}}
upstream droidlab_{{.TrajectoryID}} {
    server 127.0.0.1:{{.BridgePort}};
}
{{end}}
`

// Route maps one trajectory to its emulator's bridge port.
type Route struct {
	TrajectoryID string
	BridgePort   int
}

// Worker renders an nginx-style config on every topology change and
// triggers a reload. Its background loop is empty per §4.7 — the external
// process manages its own lifecycle; droidlab only pushes config.
type Worker struct {
	worker.BaseWorker

	mu         sync.Mutex
	routes     map[string]int // trajectory_id -> bridge port
	configPath string
	reloadCmd  []string
}

// New builds a Proxy Worker that writes its rendered config to configPath
// and runs reloadCmd (e.g. ["nginx", "-s", "reload"]) after each change.
func New(configPath string, reloadCmd []string) *Worker {
	if len(reloadCmd) == 0 {
		reloadCmd = []string{"nginx", "-s", "reload"}
	}
	return &Worker{
		BaseWorker: worker.NewBaseWorker(),
		routes:     make(map[string]int),
		configPath: configPath,
		reloadCmd:  reloadCmd,
	}
}

func (w *Worker) Kind() string { return "proxy" }

func (w *Worker) Start(ctx context.Context) error {
	w.SetStatus(worker.StatusRunning)
	w.MarkHeartbeat()
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	w.SetStatus(worker.StatusStopped)
	return nil
}

func (w *Worker) Heartbeat(ctx context.Context) (worker.Heartbeat, error) {
	status, last := w.Snapshot()
	w.mu.Lock()
	n := len(w.routes)
	w.mu.Unlock()
	return worker.Heartbeat{
		Status:        status,
		LastHeartbeat: last,
		Resources:     map[string]interface{}{"routes": n},
	}, nil
}

func (w *Worker) UpdateConfig(delta map[string]interface{}) error { return nil }

// HandleRequest supports "add_route", "remove_route", and "reload" ops.
func (w *Worker) HandleRequest(ctx context.Context, req worker.Request) (worker.Response, error) {
	switch req.Op {
	case "add_route":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		port, _ := req.Payload["bridge_port"].(float64)
		w.AddRoute(trajectoryID, int(port))
	case "remove_route":
		trajectoryID, _ := req.Payload["trajectory_id"].(string)
		w.RemoveRoute(trajectoryID)
	case "reload":
		// falls through to render below
	default:
		return worker.Response{Success: false, Error: fmt.Sprintf("unknown proxy op %q", req.Op)}, nil
	}

	if err := w.render(); err != nil {
		return worker.Response{Success: false, Error: err.Error()}, nil
	}
	if err := w.reload(ctx); err != nil {
		return worker.Response{Success: false, Error: err.Error()}, nil
	}
	return worker.Response{Success: true}, nil
}

// AddRoute records a trajectory's bridge port without writing config; the
// caller is expected to follow up with a "reload" request (or rely on the
// config being picked up by the next add/remove).
func (w *Worker) AddRoute(trajectoryID string, bridgePort int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes[trajectoryID] = bridgePort
}

// RemoveRoute drops a trajectory's route.
func (w *Worker) RemoveRoute(trajectoryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routes, trajectoryID)
}

func (w *Worker) render() error {
	w.mu.Lock()
	routes := make([]Route, 0, len(w.routes))
	for id, port := range w.routes {
		routes = append(routes, Route{TrajectoryID: id, BridgePort: port})
	}
	w.mu.Unlock()

	tmpl, err := template.New("nginx").Parse(configTemplate)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Routes []Route }{routes}); err != nil {
		return err
	}
	return os.WriteFile(w.configPath, buf.Bytes(), 0644)
}

func (w *Worker) reload(ctx context.Context) error {
	if len(w.reloadCmd) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, w.reloadCmd[0], w.reloadCmd[1:]...)
	return cmd.Run()
}
