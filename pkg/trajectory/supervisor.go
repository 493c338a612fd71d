package trajectory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/util"
)

// BaselineSnapshotName is the name of the per-device snapshot captured
// shortly after boot and used for fast reset.
const BaselineSnapshotName = "baseline_clean"

const bootPollInterval = 5 * time.Second

// BootOptions controls the emulator launch flag set.
type BootOptions struct {
	WipeData   bool
	ReadOnly   bool
	NoWindow   bool
	NoAudio    bool
	NoBootAnim bool
	NoSnapshot bool
	Accel      string // "on", "off", or "" (unset)

	SnapshotName string // non-empty selects -snapshot <name> -snapshot-load
}

// DefaultBootOptions matches §4.3's default of read_only=true, which lets
// many emulator instances share one AVD image concurrently.
func DefaultBootOptions() BootOptions {
	return BootOptions{
		ReadOnly:   true,
		NoWindow:   true,
		NoAudio:    true,
		NoBootAnim: true,
	}
}

// Supervisor launches, boots, and tears down emulator processes.
type Supervisor struct {
	bridge      *bridge.Client
	ports       *PortAllocator
	logDir      string
	bootTimeout time.Duration
}

// NewSupervisor builds a Supervisor that logs per-trajectory boot output
// under logDir and gives up waiting for boot-completed after bootTimeout.
func NewSupervisor(b *bridge.Client, ports *PortAllocator, logDir string, bootTimeout time.Duration) *Supervisor {
	if bootTimeout <= 0 {
		bootTimeout = 60 * time.Second
	}
	return &Supervisor{bridge: b, ports: ports, logDir: logDir, bootTimeout: bootTimeout}
}

// buildFlags assembles the emulator launch flags in the fixed order of §6.
func buildFlags(avdName string, consolePort int, opts BootOptions) []string {
	flags := []string{
		"-avd", avdName,
		"-port", fmt.Sprintf("%d", consolePort),
		"-grpc", fmt.Sprintf("%d", consolePort+1000),
	}
	if opts.NoWindow {
		flags = append(flags, "-no-window")
	}
	if opts.NoAudio {
		flags = append(flags, "-no-audio")
	}
	if opts.NoBootAnim {
		flags = append(flags, "-no-boot-anim")
	}
	if opts.WipeData {
		flags = append(flags, "-wipe-data")
	}
	if opts.ReadOnly {
		flags = append(flags, "-read-only")
	}
	if opts.NoSnapshot {
		flags = append(flags, "-no-snapshot")
	}
	if opts.Accel != "" {
		flags = append(flags, "-accel", opts.Accel)
	}
	if opts.SnapshotName != "" {
		flags = append(flags, "-snapshot", opts.SnapshotName, "-snapshot-load")
	}
	return flags
}

// Startup spawns an emulator on consolePort under avdName, waits for boot
// completion, unlocks the screen, and ensures a baseline snapshot exists.
// On boot timeout the process is killed and BootTimeout is returned.
func (s *Supervisor) Startup(ctx context.Context, trajectoryID, avdName string, consolePort int, opts BootOptions, emulatorBinary string) (*os.Process, error) {
	deviceID := DeviceID(consolePort)
	logger := util.WithTrajectory(trajectoryID).WithField("device", deviceID)

	if emulatorBinary == "" {
		emulatorBinary = "emulator"
	}
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0755); err != nil {
			return nil, util.NewInternal("startup", fmt.Errorf("creating log dir: %w", err))
		}
	}

	flags := buildFlags(avdName, consolePort, opts)
	cmd := exec.Command(emulatorBinary, flags...)

	logPath := filepath.Join(s.logDir, fmt.Sprintf("%s.log", trajectoryID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, util.NewInternal("startup", fmt.Errorf("opening emulator log: %w", err))
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, util.NewBridgeUnavailable("startup", fmt.Sprintf("spawning emulator: %v", err))
	}
	logger.Infof("emulator process started pid=%d", cmd.Process.Pid)

	if err := s.waitForBoot(ctx, deviceID); err != nil {
		s.killProcess(cmd.Process)
		logFile.Close()
		return nil, err
	}

	s.unlockScreen(ctx, deviceID)
	s.ensureBaselineSnapshot(ctx, deviceID)

	return cmd.Process, nil
}

// waitForBoot polls list_devices()+getprop every 5s until state=device and
// sys.boot_completed=1, or bootTimeout elapses.
func (s *Supervisor) waitForBoot(ctx context.Context, deviceID string) error {
	deadline := time.Now().Add(s.bootTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return util.NewInternal("wait_for_boot", ctx.Err())
		default:
		}

		devices, err := s.bridge.ListDevices(ctx)
		if err == nil {
			for _, d := range devices {
				if d.ID == deviceID && d.State == "device" {
					prop, perr := s.bridge.GetProp(ctx, deviceID, "sys.boot_completed")
					if perr == nil && prop == "1" {
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return util.NewInternal("wait_for_boot", ctx.Err())
		case <-time.After(bootPollInterval):
		}
	}
	return util.NewBootTimeout(deviceID, fmt.Sprintf("boot not completed after %s", s.bootTimeout))
}

// unlockScreen wakes the device and swipes up from 2/3 to 1/3 screen height.
// Failures are logged and ignored per §4.3 step 4.
func (s *Supervisor) unlockScreen(ctx context.Context, deviceID string) {
	logger := util.WithField("device", deviceID)
	if _, err := s.bridge.Shell(ctx, deviceID, "input", "keyevent", "KEYCODE_WAKEUP"); err != nil {
		logger.Warnf("unlock: wake failed: %v", err)
	}
	// 1080x2400 is a reasonable default when screen size isn't yet known;
	// actual swipe coordinates only need to cross the middle of the screen.
	if _, err := s.bridge.Shell(ctx, deviceID, "input", "swipe", "540", "1600", "540", "800", "300"); err != nil {
		logger.Warnf("unlock: swipe failed: %v", err)
	}
}

// ensureBaselineSnapshot attempts to load baseline_clean; if absent, saves
// it fresh. Failure here is non-fatal per §4.3 step 5.
func (s *Supervisor) ensureBaselineSnapshot(ctx context.Context, deviceID string) {
	logger := util.WithField("device", deviceID)
	out, err := s.bridge.EmuCommand(ctx, deviceID, "avd", "snapshot", "load", BaselineSnapshotName)
	if err == nil && snapshotLoadSucceeded(out) {
		return
	}
	if _, err := s.bridge.EmuCommand(ctx, deviceID, "avd", "snapshot", "save", BaselineSnapshotName); err != nil {
		logger.Warnf("baseline snapshot save failed: %v", err)
	}
}

// snapshotLoadSucceeded resolves Open Question 1: the emulator console
// reports failure with a line containing "KO:"; anything else (notably
// "OK") indicates success. See DESIGN.md for the resolution rationale.
func snapshotLoadSucceeded(output string) bool {
	return !strings.Contains(output, "KO:")
}

// Shutdown kills the emulator via the console "kill" command, then joins
// the owned process with a 5s grace period before force-killing it.
func (s *Supervisor) Shutdown(ctx context.Context, deviceID string, proc *os.Process) error {
	if _, err := s.bridge.EmuCommand(ctx, deviceID, "kill"); err != nil {
		util.WithField("device", deviceID).Warnf("emu kill failed: %v", err)
	}
	if proc == nil {
		return nil
	}
	return s.killProcess(proc)
}

func (s *Supervisor) killProcess(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := proc.Wait()
		done <- err
	}()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// process may already be gone
	}

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		proc.Kill()
		<-done
		return nil
	}
}

// IsProcessAlive reports whether pid names a live process, using the
// classic kill(pid, 0) liveness check.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
