package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection and queue status of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, url)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080", "diagnostics API base URL")
	return cmd
}

type connectionStatus struct {
	State     string `json:"state"`
	Quality   string `json:"quality"`
	Exhausted bool   `json:"exhausted"`
}

type queueStatus struct {
	Depths map[string]int `json:"depths"`
}

type deadLetterStatus struct {
	Count int `json:"count"`
}

func runStatus(cmd *cobra.Command, baseURL string) error {
	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 5 * time.Second}

	var conn connectionStatus
	if err := fetchJSON(client, baseURL+"/api/connection", &conn); err != nil {
		return fmt.Errorf("query bridge at %s: %w", baseURL, err)
	}
	fmt.Fprintf(out, "Connection: %s (quality: %s)\n", conn.State, conn.Quality)
	if conn.Exhausted {
		fmt.Fprintln(out, "  reconnect attempts exhausted; run requires manual intervention")
	}

	var queues queueStatus
	if err := fetchJSON(client, baseURL+"/api/queues", &queues); err != nil {
		return err
	}
	if len(queues.Depths) == 0 {
		fmt.Fprintln(out, "Queues: empty")
	} else {
		fmt.Fprintln(out, "Queues:")
		ids := make([]string, 0, len(queues.Depths))
		for id := range queues.Depths {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "  %s: %d pending\n", id, queues.Depths[id])
		}
	}

	var dead deadLetterStatus
	if err := fetchJSON(client, baseURL+"/api/deadletter", &dead); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dead letters: %d\n", dead.Count)
	return nil
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}
