// Package trajectory implements the emulator trajectory manager: the
// subsystem binding logical trajectories to emulator instances, translating
// actions, building observations, and persisting snapshot metadata.
package trajectory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/droidlab/droidlab/pkg/audit"
	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/registry"
	"github.com/droidlab/droidlab/pkg/util"
)

// Status is one of the DeviceBinding lifecycle states of §4.6.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusSaved    Status = "saved"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// DeviceBinding records the 1:1 mapping from a trajectory to a running (or
// recently running) emulator instance.
type DeviceBinding struct {
	TrajectoryID string
	DeviceID     string
	ConsolePort  int
	BridgePort   int
	Process      *os.Process // nil for adopted/orphan bindings
	SnapshotName string
	Status       Status
	CreatedAt    time.Time
	LastActionAt time.Time
}

func (b *DeviceBinding) copy() DeviceBinding { return *b }

// Config bundles Manager's fixed launch parameters.
type Config struct {
	AVDName        string
	EmulatorBinary string
	BootOptions    BootOptions
	MaxIdleTime    time.Duration
}

// Manager is the Trajectory Manager (TM): the central registry of
// trajectory_id → DeviceBinding. It exclusively owns the binding table and
// is the only path that mutates it.
type Manager struct {
	mu       sync.Mutex
	bindings map[string]*DeviceBinding

	bridge      *bridge.Client
	ports       *PortAllocator
	supervisor  *Supervisor
	observation *Builder
	snapshots   *SnapshotStore
	config      Config
	registry    *registry.Registry
}

// SetRegistry attaches the shared cross-process registry. A nil registry
// (the default) leaves Manager operating purely on its in-process table.
func (m *Manager) SetRegistry(r *registry.Registry) {
	m.registry = r
}

// NewManager wires the Trajectory Manager together from its leaf
// collaborators (DCC, PCA, ES, OB, SS).
func NewManager(b *bridge.Client, ports *PortAllocator, sup *Supervisor, obs *Builder, snaps *SnapshotStore, cfg Config) *Manager {
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 3600 * time.Second
	}
	return &Manager{
		bindings:    make(map[string]*DeviceBinding),
		bridge:      b,
		ports:       ports,
		supervisor:  sup,
		observation: obs,
		snapshots:   snaps,
		config:      cfg,
	}
}

// Create allocates a fresh trajectory. It first tries to attach an orphan
// emulator already running on the host; on a miss, it allocates a port pair
// and boots a new emulator.
func (m *Manager) Create(ctx context.Context) (trajectoryID, deviceID string, err error) {
	trajectoryID = uuid.New().String()
	logger := util.WithTrajectory(trajectoryID)

	if binding, ok := m.attachExisting(ctx, trajectoryID); ok {
		logger.Infof("attached orphan device %s", binding.DeviceID)
		if err := m.registry.PutBinding(ctx, trajectoryID, binding.DeviceID, binding.ConsolePort); err != nil {
			logger.Warnf("registry put_binding failed: %v", err)
		}
		audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeCreate)).WithSuccess())
		return trajectoryID, binding.DeviceID, nil
	}

	consolePort, bridgePort, perr := m.ports.Allocate(ctx)
	if perr != nil {
		audit.Log(audit.NewEvent(trajectoryID, "", string(audit.EventTypeCreate)).WithError(perr))
		return "", "", perr
	}
	deviceID = DeviceID(consolePort)

	placeholder := &DeviceBinding{
		TrajectoryID: trajectoryID,
		DeviceID:     deviceID,
		ConsolePort:  consolePort,
		BridgePort:   bridgePort,
		Status:       StatusStarting,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.bindings[trajectoryID] = placeholder
	m.mu.Unlock()

	proc, serr := m.supervisor.Startup(ctx, trajectoryID, m.config.AVDName, consolePort, m.config.BootOptions, m.config.EmulatorBinary)
	if serr != nil {
		m.mu.Lock()
		delete(m.bindings, trajectoryID)
		m.mu.Unlock()
		m.ports.Release(consolePort)
		audit.Log(audit.NewEvent(trajectoryID, deviceID, string(audit.EventTypeCreate)).WithError(serr))
		return "", "", serr
	}

	m.mu.Lock()
	placeholder.Process = proc
	placeholder.Status = StatusRunning
	placeholder.LastActionAt = time.Now()
	m.mu.Unlock()

	if err := m.registry.PutBinding(ctx, trajectoryID, deviceID, consolePort); err != nil {
		logger.Warnf("registry put_binding failed: %v", err)
	}

	logger.Infof("trajectory created device=%s console_port=%d", deviceID, consolePort)
	audit.Log(audit.NewEvent(trajectoryID, deviceID, string(audit.EventTypeCreate)).WithSuccess())
	return trajectoryID, deviceID, nil
}

// attachExisting scans the bridge's device list for an emulator-* entry not
// already present in the binding table, claims its port pair, and records a
// synthetic running binding with no owned process handle.
func (m *Manager) attachExisting(ctx context.Context, trajectoryID string) (*DeviceBinding, bool) {
	devices, err := m.bridge.ListDevices(ctx)
	if err != nil {
		return nil, false
	}

	m.mu.Lock()
	bound := make(map[string]bool, len(m.bindings))
	for _, b := range m.bindings {
		bound[b.DeviceID] = true
	}
	m.mu.Unlock()

	for _, d := range devices {
		if d.State != "device" || bound[d.ID] || !strings.HasPrefix(d.ID, "emulator-") {
			continue
		}
		consolePort := consolePortFromDeviceID(d.ID)
		if consolePort <= 0 {
			continue
		}
		if ok, cerr := createClaim(m.ports.claimPath(consolePort)); cerr != nil || !ok {
			continue
		}
		m.ports.Reserve(consolePort)

		binding := &DeviceBinding{
			TrajectoryID: trajectoryID,
			DeviceID:     d.ID,
			ConsolePort:  consolePort,
			BridgePort:   consolePort + 1,
			Status:       StatusRunning,
			CreatedAt:    time.Now(),
			LastActionAt: time.Now(),
		}
		m.mu.Lock()
		m.bindings[trajectoryID] = binding
		m.mu.Unlock()
		return binding, true
	}
	return nil, false
}

// lookup returns a copy of the binding for trajectoryID, so callers never
// hold the table lock across blocking I/O.
func (m *Manager) lookup(trajectoryID string) (DeviceBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[trajectoryID]
	if !ok {
		return DeviceBinding{}, false
	}
	return b.copy(), true
}

func (m *Manager) update(trajectoryID string, fn func(b *DeviceBinding)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[trajectoryID]; ok {
		fn(b)
	}
}

// Step dispatches action against trajectoryID's device and returns an
// enriched Observation. If the trajectory is known but has no live binding,
// it attempts Load first.
func (m *Manager) Step(ctx context.Context, trajectoryID string, actionInput interface{}) (*Observation, error) {
	binding, ok := m.lookup(trajectoryID)
	if !ok {
		err := util.NewUnknownTrajectory(trajectoryID)
		audit.Log(audit.NewEvent(trajectoryID, "", string(audit.EventTypeStep)).WithError(err))
		return nil, err
	}

	if binding.Status != StatusRunning {
		if _, err := m.Load(ctx, trajectoryID); err != nil {
			return nil, err
		}
		binding, _ = m.lookup(trajectoryID)
	}

	action, err := ParseAction(actionInput)
	if err != nil {
		audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeStep)).WithError(err))
		return nil, err
	}

	start := time.Now()
	obs, execErr := m.executeAction(ctx, binding.DeviceID, action)

	m.update(trajectoryID, func(b *DeviceBinding) {
		b.LastActionAt = time.Now()
	})

	event := audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeStep)).
		WithActionKind(string(action.Kind)).
		WithDuration(time.Since(start))
	if execErr != nil {
		audit.Log(event.WithError(execErr))
		return nil, execErr
	}
	audit.Log(event.WithSuccess())
	return obs, nil
}

// executeAction runs the device-control command sequence for action and
// builds the resulting Observation. Command failures are surfaced; OB
// sub-failures are best-effort per §4.5.
func (m *Manager) executeAction(ctx context.Context, deviceID string, action *Action) (*Observation, error) {
	switch action.Kind {
	case KindClick:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "tap", itoa(action.X), itoa(action.Y)); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindDoubleTap:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "tap", itoa(action.X), itoa(action.Y)); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
		time.Sleep(50 * time.Millisecond)
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "tap", itoa(action.X), itoa(action.Y)); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindLongPress:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "swipe", itoa(action.X), itoa(action.Y), itoa(action.X), itoa(action.Y), "800"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindInputText:
		encoded := strings.ReplaceAll(action.Text, " ", "%s")
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "text", encoded); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindNavigateBack:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_BACK"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindNavigateHome:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_HOME"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindKeyboardEnter:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_ENTER"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindScroll, KindSwipe:
		x1, y1, x2, y2 := swipeCoordsForDirection(action.Direction, m.observationScreenSize(ctx, deviceID))
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "swipe", itoa(x1), itoa(y1), itoa(x2), itoa(y2), "300"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindSwipeRaw:
		durMs := action.SwipeDuration.Milliseconds()
		if durMs <= 0 {
			durMs = 300
		}
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "swipe", itoa(action.X1), itoa(action.Y1), itoa(action.X2), itoa(action.Y2), fmt.Sprintf("%d", durMs)); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindOpenApp:
		overridesMu.RLock()
		activity, ok := appActivityMap[strings.ToLower(action.AppName)]
		overridesMu.RUnlock()
		if ok {
			if _, err := m.bridge.Shell(ctx, deviceID, "am", "start", "-n", activity); err != nil {
				return nil, util.NewCommandFailed(deviceID, err.Error())
			}
		} else if _, err := m.bridge.Shell(ctx, deviceID, "monkey", "-p", action.AppName, "1"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindAnswer:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_CALL"); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindWait:
		time.Sleep(time.Duration(action.Duration * float64(time.Second)))
	case KindKeycode:
		if _, err := m.bridge.Shell(ctx, deviceID, "input", "keyevent", action.Code); err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
	case KindScreenshot:
		// Wake first to avoid capturing a blank/locked frame.
		m.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_WAKEUP")
		m.bridge.Shell(ctx, deviceID, "input", "swipe", "540", "1600", "540", "800", "100")
		b64, err := m.observation.Screenshot(ctx, deviceID)
		if err != nil {
			return nil, util.NewCommandFailed(deviceID, err.Error())
		}
		obs := m.observation.Build(ctx, deviceID, string(action.Kind), true)
		obs.ImageBase64 = b64
		return obs, nil
	default:
		return nil, util.NewInvalidAction(fmt.Sprintf("unhandled action kind %q", action.Kind))
	}

	obs := m.observation.Build(ctx, deviceID, string(action.Kind), true)
	obs.Direction = action.Direction
	obs.AppName = action.AppName
	return obs, nil
}

func (m *Manager) observationScreenSize(ctx context.Context, deviceID string) (int, int) {
	obs := m.observation.Build(ctx, deviceID, "", true)
	if obs.ScreenWidth == 0 || obs.ScreenHeight == 0 {
		return 1080, 2400
	}
	return obs.ScreenWidth, obs.ScreenHeight
}

// swipeCoordsForDirection computes a 25%↔75% swipe along the relevant axis,
// per §4.4's scroll/swipe execution mapping.
func swipeCoordsForDirection(direction string, w, h int) (x1, y1, x2, y2 int) {
	switch direction {
	case "up":
		x1, x2 = w/2, w/2
		y1, y2 = h*3/4, h/4
	case "down":
		x1, x2 = w/2, w/2
		y1, y2 = h/4, h*3/4
	case "left":
		y1, y2 = h/2, h/2
		x1, x2 = w*3/4, w/4
	default: // "right"
		y1, y2 = h/2, h/2
		x1, x2 = w/4, w*3/4
	}
	return
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// appActivityMap maps friendly app names to launchable activities. Apps not
// listed fall back to `monkey -p <app_name> 1` per §4.4.
var appActivityMap = map[string]string{
	"chrome":  "com.android.chrome/com.google.android.apps.chrome.Main",
	"settings": "com.android.settings/.Settings",
	"camera":  "com.android.camera2/com.android.camera.CameraLauncher",
	"contacts": "com.android.contacts/.activities.PeopleActivity",
	"phone":   "com.android.dialer/.DialtactsActivity",
}

// Save snapshots trajectoryID's device and records SnapshotMeta.
func (m *Manager) Save(ctx context.Context, trajectoryID string) (*SnapshotMeta, error) {
	binding, ok := m.lookup(trajectoryID)
	if !ok {
		return nil, util.NewUnknownTrajectory(trajectoryID)
	}

	name := SnapshotName(trajectoryID)
	if _, err := m.bridge.EmuCommand(ctx, binding.DeviceID, "avd", "snapshot", "save", name); err != nil {
		audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeSave)).WithError(err))
		return nil, util.NewCommandFailed(binding.DeviceID, err.Error())
	}

	meta := &SnapshotMeta{
		TrajectoryID: trajectoryID,
		DeviceID:     binding.DeviceID,
		Port:         binding.ConsolePort,
		SnapshotName: name,
		Timestamp:    float64(time.Now().UnixNano()) / 1e9,
	}
	if err := m.snapshots.Save(meta); err != nil {
		audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeSave)).WithError(err))
		return nil, err
	}

	m.update(trajectoryID, func(b *DeviceBinding) {
		b.Status = StatusSaved
		b.SnapshotName = name
	})
	audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeSave)).WithSuccess())
	return meta, nil
}

// Load requires SnapshotMeta to exist. If a running binding is present it is
// stopped first; a fresh emulator is then booted from the named snapshot.
func (m *Manager) Load(ctx context.Context, trajectoryID string) (string, error) {
	meta, err := m.snapshots.Load(trajectoryID)
	if err != nil {
		audit.Log(audit.NewEvent(trajectoryID, "", string(audit.EventTypeLoad)).WithError(err))
		return "", err
	}

	if binding, ok := m.lookup(trajectoryID); ok && binding.Status == StatusRunning {
		m.supervisor.Shutdown(ctx, binding.DeviceID, binding.Process)
		m.ports.Release(binding.ConsolePort)
	}

	consolePort, _, perr := m.ports.Allocate(ctx)
	if perr != nil {
		audit.Log(audit.NewEvent(trajectoryID, "", string(audit.EventTypeLoad)).WithError(perr))
		return "", perr
	}
	deviceID := DeviceID(consolePort)

	opts := m.config.BootOptions
	opts.SnapshotName = meta.SnapshotName

	m.mu.Lock()
	m.bindings[trajectoryID] = &DeviceBinding{
		TrajectoryID: trajectoryID,
		DeviceID:     deviceID,
		ConsolePort:  consolePort,
		BridgePort:   consolePort + 1,
		Status:       StatusStarting,
		SnapshotName: meta.SnapshotName,
		CreatedAt:    time.Now(),
	}
	m.mu.Unlock()

	proc, serr := m.supervisor.Startup(ctx, trajectoryID, m.config.AVDName, consolePort, opts, m.config.EmulatorBinary)
	if serr != nil {
		m.mu.Lock()
		delete(m.bindings, trajectoryID)
		m.mu.Unlock()
		m.ports.Release(consolePort)
		audit.Log(audit.NewEvent(trajectoryID, deviceID, string(audit.EventTypeLoad)).WithError(serr))
		return "", serr
	}

	m.update(trajectoryID, func(b *DeviceBinding) {
		b.Process = proc
		b.Status = StatusRunning
		b.LastActionAt = time.Now()
	})
	audit.Log(audit.NewEvent(trajectoryID, deviceID, string(audit.EventTypeLoad)).WithSuccess())
	return deviceID, nil
}

// Remove tears down trajectoryID's binding and snapshot metadata. It
// succeeds as long as at least one of the two existed.
func (m *Manager) Remove(ctx context.Context, trajectoryID string) error {
	binding, hadBinding := m.lookup(trajectoryID)
	hadMeta := m.snapshots.Exists(trajectoryID)

	if !hadBinding && !hadMeta {
		return util.NewUnknownTrajectory(trajectoryID)
	}

	if hadBinding {
		if binding.Status == StatusRunning || binding.Status == StatusSaved {
			m.supervisor.Shutdown(ctx, binding.DeviceID, binding.Process)
		}
		m.ports.Release(binding.ConsolePort)
		m.mu.Lock()
		delete(m.bindings, trajectoryID)
		m.mu.Unlock()
	}

	if hadMeta {
		if err := m.snapshots.Remove(trajectoryID); err != nil {
			return err
		}
	}

	if err := m.registry.RemoveBinding(ctx, trajectoryID); err != nil {
		util.WithTrajectory(trajectoryID).Warnf("registry remove_binding failed: %v", err)
	}

	audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeRemove)).WithSuccess())
	return nil
}

// Reset tries to load the baseline snapshot; on failure, it falls back to a
// HOME, app-switch, HOME key sequence.
func (m *Manager) Reset(ctx context.Context, trajectoryID string) error {
	binding, ok := m.lookup(trajectoryID)
	if !ok {
		return util.NewUnknownTrajectory(trajectoryID)
	}

	out, err := m.bridge.EmuCommand(ctx, binding.DeviceID, "avd", "snapshot", "load", BaselineSnapshotName)
	if err == nil && strings.Contains(out, "OK") {
		audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeReset)).WithSuccess())
		return nil
	}

	util.WithTrajectory(trajectoryID).Warnf("reset: baseline snapshot load failed, falling back to key sequence: %v", err)
	m.bridge.Shell(ctx, binding.DeviceID, "input", "keyevent", "KEYCODE_HOME")
	m.bridge.Shell(ctx, binding.DeviceID, "input", "keyevent", "KEYCODE_APP_SWITCH")
	m.bridge.Shell(ctx, binding.DeviceID, "input", "keyevent", "KEYCODE_HOME")

	audit.Log(audit.NewEvent(trajectoryID, binding.DeviceID, string(audit.EventTypeReset)).WithSuccess())
	return nil
}

// PruneIdle removes every binding whose LastActionAt exceeds maxIdle,
// returning the trajectory ids it removed. Used by the Environment Worker's
// background GC loop (§4.7).
func (m *Manager) PruneIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for id, b := range m.bindings {
		if b.Status == StatusRunning && b.LastActionAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	// Each stale trajectory shuts down its own emulator independently, so
	// the sweep fans out rather than tearing them down one at a time.
	var mu sync.Mutex
	var removed []string
	group, gctx := errgroup.WithContext(ctx)
	for _, id := range stale {
		id := id
		group.Go(func() error {
			if err := m.Remove(gctx, id); err != nil {
				util.WithTrajectory(id).Warnf("idle prune failed: %v", err)
				return nil
			}
			mu.Lock()
			removed = append(removed, id)
			mu.Unlock()
			return nil
		})
	}
	group.Wait()
	return removed
}

// ActiveCount returns the number of bindings currently in status=running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bindings {
		if b.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Bindings returns a snapshot copy of every binding, for status reporting.
func (m *Manager) Bindings() []DeviceBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceBinding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, b.copy())
	}
	return out
}

// ListActions returns the catalog of recognized action kinds, for
// GET /api/env/actions.
func ListActions() []string {
	return []string{
		string(KindClick), string(KindDoubleTap), string(KindLongPress),
		string(KindInputText), string(KindNavigateBack), string(KindNavigateHome),
		string(KindKeyboardEnter), string(KindScroll), string(KindSwipe),
		string(KindSwipeRaw), string(KindOpenApp), string(KindAnswer),
		string(KindWait), string(KindKeycode), string(KindScreenshot),
	}
}
