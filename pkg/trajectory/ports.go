package trajectory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/util"
)

// maxPortScan bounds how many candidate ports PortAllocator.Allocate tries
// before giving up with NoPortsAvailable.
const maxPortScan = 1000

// PortAllocator hands out (console_port, bridge_port) pairs that are unique
// both within this process and across any other process sharing claimDir,
// using an exclusive-create lock file as the cross-process primitive.
type PortAllocator struct {
	mu        sync.Mutex
	claimDir  string
	basePort  int
	bridge    *bridge.Client
	usedPorts map[int]bool // console ports claimed by in-process bindings
}

// NewPortAllocator builds an allocator rooted at claimDir, scanning from
// basePort upward.
func NewPortAllocator(claimDir string, basePort int, b *bridge.Client) *PortAllocator {
	return &PortAllocator{
		claimDir:  claimDir,
		basePort:  basePort,
		bridge:    b,
		usedPorts: make(map[int]bool),
	}
}

// Allocate scans ports base, base+2, base+4, ... returning the first pair
// (p, p+1) that is free in-process, absent from the bridge's device list,
// and whose claim file can be created exclusively.
func (a *PortAllocator) Allocate(ctx context.Context) (consolePort, bridgePort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.claimDir, 0755); err != nil {
		return 0, 0, util.NewInternal("allocate_port", fmt.Errorf("creating claim dir: %w", err))
	}

	listed := make(map[int]bool)
	if a.bridge != nil {
		devices, lerr := a.bridge.ListDevices(ctx)
		if lerr == nil {
			for _, d := range devices {
				if p := consolePortFromDeviceID(d.ID); p > 0 {
					listed[p] = true
				}
			}
		}
	}

	p := a.basePort
	if p%2 != 0 {
		p++
	}
	for i := 0; i < maxPortScan; i++ {
		if !a.usedPorts[p] && !listed[p] {
			claimPath := a.claimPath(p)
			if ok, cerr := createClaim(claimPath); cerr != nil {
				return 0, 0, util.NewInternal("allocate_port", cerr)
			} else if ok {
				a.usedPorts[p] = true
				return p, p + 1, nil
			}
		}
		p += 2
	}

	return 0, 0, util.NewNoPortsAvailable("allocate_port", fmt.Sprintf("scanned %d ports from base %d", maxPortScan, a.basePort))
}

// Release deletes the claim file for consolePort, freeing it for reuse.
// Only the owning process should call this.
func (a *PortAllocator) Release(consolePort int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.usedPorts, consolePort)
	path := a.claimPath(consolePort)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return util.NewInternal("release_port", err)
	}
	return nil
}

// Reserve marks consolePort as already claimed without creating a lock
// file, for ports adopted from an orphan emulator whose claim already
// exists on disk.
func (a *PortAllocator) Reserve(consolePort int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedPorts[consolePort] = true
}

func (a *PortAllocator) claimPath(consolePort int) string {
	return filepath.Join(a.claimDir, fmt.Sprintf("emulator-%d.lock", consolePort+1))
}

// createClaim attempts to create path with O_EXCL semantics. It returns
// (true, nil) on success and (false, nil) if the file already exists.
func createClaim(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	return true, nil
}

// DeviceID returns the adb device identifier for a console port, following
// the adb convention that the device id is the console port plus one.
func DeviceID(consolePort int) string {
	return fmt.Sprintf("emulator-%d", consolePort+1)
}

// consolePortFromDeviceID inverts DeviceID, returning 0 if id doesn't match
// the "emulator-<port>" pattern.
func consolePortFromDeviceID(id string) int {
	var port int
	if _, err := fmt.Sscanf(id, "emulator-%d", &port); err != nil {
		return 0
	}
	return port - 1
}
