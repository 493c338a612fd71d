package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/settings"
)

func newGCCmd() *cobra.Command {
	gc := &cobra.Command{
		Use:   "gc",
		Short: "garbage-collect stale on-disk state",
	}
	gc.AddCommand(newGCClaimsCmd())
	return gc
}

func newGCClaimsCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "remove port-claim lock files whose emulator is no longer running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.LoadFrom(settingsPath)
			if err != nil {
				return fmt.Errorf("loading settings: %w", err)
			}
			return gcClaims(cfg.GetClaimDir(), cfg.GetBridgeBinary(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")
	return cmd
}

// gcClaims removes claim lock files left behind after an emulator process
// was killed without going through Manager.Remove — an ordinary operator
// maintenance task, not something the trajectory manager does itself.
func gcClaims(claimDir, bridgeBinary string, dryRun bool) error {
	entries, err := os.ReadDir(claimDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no claim directory found, nothing to collect")
			return nil
		}
		return fmt.Errorf("reading claim dir %s: %w", claimDir, err)
	}

	client := bridge.NewClient(bridgeBinary)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing bridge devices: %w", err)
	}
	live := make(map[string]bool, len(devices))
	for _, d := range devices {
		live[d.ID] = true
	}

	var removed, kept int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".lock") {
			continue
		}
		deviceID := strings.TrimSuffix(name, ".lock")
		if live[deviceID] {
			kept++
			continue
		}

		path := filepath.Join(claimDir, name)
		if dryRun {
			fmt.Printf("would remove %s (device %s not listed by bridge)\n", path, deviceID)
			removed++
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Printf("failed to remove %s: %v\n", path, err)
			continue
		}
		fmt.Printf("removed %s (device %s not listed by bridge)\n", path, deviceID)
		removed++
	}

	fmt.Printf("%d claim(s) removed, %d still held by live devices\n", removed, kept)
	return nil
}

