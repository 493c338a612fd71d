package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/droidlab/droidlab/pkg/cli"
)

func newDemoCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "roll out N trajectories in parallel against a running droidlab facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 4, "number of trajectories to create concurrently")
	return cmd
}

type demoResult struct {
	index        int
	trajectoryID string
	deviceID     string
	err          error
}

// runDemo creates count trajectories concurrently, demonstrating the fan-out
// pattern the Environment Worker's create path supports, then tears each
// one back down.
func runDemo(ctx context.Context, count int) error {
	results := make([]demoResult, count)

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		group.Go(func() error {
			trajectoryID, deviceID, err := createTrajectory(gctx)
			results[i] = demoResult{index: i, trajectoryID: trajectoryID, deviceID: deviceID, err: err}
			// Individual failures are reported, not fatal to the group,
			// so one slow emulator boot doesn't cancel its siblings.
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	table := cli.NewTable("#", "TRAJECTORY", "DEVICE", "RESULT")
	for _, r := range results {
		result := cli.Green("ok")
		if r.err != nil {
			result = cli.Red(r.err.Error())
		}
		table.Row(fmt.Sprintf("%d", r.index), r.trajectoryID, r.deviceID, result)
	}
	table.Flush()

	teardown, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for _, r := range results {
		if r.err != nil || r.trajectoryID == "" {
			continue
		}
		if err := removeTrajectory(teardown, r.trajectoryID); err != nil {
			fmt.Printf("cleanup of %s failed: %v\n", r.trajectoryID, err)
		}
	}
	return nil
}

func createTrajectory(ctx context.Context) (trajectoryID, deviceID string, err error) {
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			TrajectoryID string `json:"trajectory_id"`
			DeviceID     string `json:"device_id"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := postJSON(ctx, "/api/env/create", nil, &body); err != nil {
		return "", "", err
	}
	if !body.Success {
		return "", "", fmt.Errorf("%s", body.Error)
	}
	return body.Data.TrajectoryID, body.Data.DeviceID, nil
}

func removeTrajectory(ctx context.Context, trajectoryID string) error {
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	req := map[string]interface{}{"trajectory_id": trajectoryID}
	if err := postJSON(ctx, "/api/env/remove", req, &body); err != nil {
		return err
	}
	if !body.Success {
		return fmt.Errorf("%s", body.Error)
	}
	return nil
}

func postJSON(ctx context.Context, path string, reqBody interface{}, respBody interface{}) error {
	var buf bytes.Buffer
	if reqBody != nil {
		if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiAddr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(respBody)
}
