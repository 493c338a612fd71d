package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/droidlab/droidlab/pkg/cli"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show coordinator and worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := fetchWorkers()
			if err != nil {
				return err
			}

			table := cli.NewTable("ID", "KIND", "STATUS", "LAST HEARTBEAT")
			for _, w := range workers {
				status := w.Status
				switch status {
				case "running":
					status = cli.Green(status)
				case "error":
					status = cli.Red(status)
				default:
					status = cli.Yellow(status)
				}
				table.Row(w.ID, w.Kind, status, w.LastHeartbeat)
			}
			table.Flush()
			return nil
		},
	}
}

type workerStatus struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
}

func fetchWorkers() ([]workerStatus, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(apiAddr + "/api/coordinator/workers")
	if err != nil {
		return nil, fmt.Errorf("contacting droidlab facade at %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()

	var body struct {
		Workers []workerStatus `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding worker status: %w", err)
	}
	return body.Workers, nil
}
