// Command healthprobe is a minimal HTTP probe used as Docker's HEALTHCHECK
// CMD for l7lb. It hits the admin server's /stats endpoint and exits 0 only
// if the process is reachable and reports at least one healthy backend.
//
// Usage:
//
//	healthprobe <admin-url>
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthprobe", "http://localhost:9091/stats"]
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

type statsResponse struct {
	BackendsHealthy int `json:"backends_healthy"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: healthprobe <admin-url>")
		os.Exit(1)
	}

	url := os.Args[1]
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthprobe: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthprobe: HTTP %d from %s\n", resp.StatusCode, url)
		os.Exit(1)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		fmt.Fprintf(os.Stderr, "healthprobe: decoding response: %v\n", err)
		os.Exit(1)
	}

	if stats.BackendsHealthy < 1 {
		fmt.Fprintln(os.Stderr, "healthprobe: no healthy backends")
		os.Exit(1)
	}

	os.Exit(0)
}
