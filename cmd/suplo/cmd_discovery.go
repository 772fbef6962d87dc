// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	jobsStateFilter string
	jobsLimit       int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Inspect and drive the discovery queue",
}

var discoveryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by state",
	Run:   runDiscoveryStatsCommand,
}

var discoveryJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List discovery jobs",
	Run:   runDiscoveryJobsCommand,
}

var discoveryRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed or rejected job",
	Args:  cobra.ExactArgs(1),
	Run:   runDiscoveryRetryCommand,
}

var discoveryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream job transitions live",
	Long: `Subscribes to the service's discovery event stream. On a terminal this
opens a live view; when piped (or with --json) it writes one JSON event
per line instead.`,
	Run: runDiscoveryWatchCommand,
}

func init() {
	discoveryJobsCmd.Flags().StringVar(&jobsStateFilter, "state", "",
		"Filter to one state (PENDING, IN_FLIGHT, SUCCEEDED, FAILED, REJECTED_NO_EVIDENCE)")
	discoveryJobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list")

	discoveryCmd.AddCommand(discoveryStatsCmd)
	discoveryCmd.AddCommand(discoveryJobsCmd)
	discoveryCmd.AddCommand(discoveryRetryCmd)
	discoveryCmd.AddCommand(discoveryWatchCmd)
}

// jobStateOrder fixes the display order for state breakdowns.
var jobStateOrder = []string{"PENDING", "IN_FLIGHT", "SUCCEEDED", "FAILED", "REJECTED_NO_EVIDENCE"}

// queueStatsInfo mirrors the server's discovery stats response.
type queueStatsInfo struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// jobInfo mirrors the server's job payload.
type jobInfo struct {
	ID               string     `json:"id"`
	Query            string     `json:"query"`
	State            string     `json:"state"`
	Attempts         int        `json:"attempts"`
	NextAttemptAfter *time.Time `json:"next_attempt_after"`
	LastError        string     `json:"last_error"`
	EnqueuedAt       time.Time  `json:"enqueued_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	CorrelationID    string     `json:"correlation_id"`
}

// jobListInfo mirrors the server's job listing response.
type jobListInfo struct {
	Jobs  []jobInfo `json:"jobs"`
	Count int       `json:"count"`
}

// =============================================================================
// Stats
// =============================================================================

func runDiscoveryStatsCommand(_ *cobra.Command, _ []string) {
	var stats queueStatsInfo
	if err := getJSON("/v1/discovery/stats", &stats); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if jsonOutput {
		printJSON(stats)
		return
	}

	fmt.Printf("%s %d %s\n", titleStyle.Render("Discovery queue:"), stats.Total, plural(stats.Total, "job", "jobs"))
	for _, state := range jobStateOrder {
		if n := stats.ByState[state]; n > 0 {
			fmt.Printf("  %s %d\n", stateStyle(state).Render(fmt.Sprintf("%-22s", state)), n)
		}
	}
}

// stateStyle picks a color for a job state. Terminal states are the loud
// ones; queued work stays dim.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "SUCCEEDED":
		return okStyle
	case "FAILED":
		return errStyle
	case "REJECTED_NO_EVIDENCE":
		return warnStyle
	case "IN_FLIGHT":
		return titleStyle
	default:
		return dimStyle
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// =============================================================================
// Jobs
// =============================================================================

func runDiscoveryJobsCommand(_ *cobra.Command, _ []string) {
	query := url.Values{}
	if jobsStateFilter != "" {
		query.Set("state", strings.ToUpper(jobsStateFilter))
	}
	query.Set("limit", fmt.Sprintf("%d", jobsLimit))

	var list jobListInfo
	if err := getJSON("/debug/discovery/jobs?"+query.Encode(), &list); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if jsonOutput {
		printJSON(list)
		return
	}

	if list.Count == 0 {
		if jobsStateFilter != "" {
			fmt.Printf("No %s jobs.\n", strings.ToUpper(jobsStateFilter))
		} else {
			fmt.Println("No jobs in the queue.")
		}
		return
	}

	fmt.Println(dimStyle.Render(fmt.Sprintf("%-10s %-22s %-8s %-8s %s", "ID", "STATE", "TRIES", "AGE", "QUERY")))
	for _, job := range list.Jobs {
		fmt.Printf("%-10s %s %-8d %-8s %s\n",
			shortID(job.ID),
			stateStyle(job.State).Render(fmt.Sprintf("%-22s", job.State)),
			job.Attempts,
			formatAge(job.EnqueuedAt),
			job.Query)
		if job.LastError != "" {
			fmt.Printf("           %s\n", dimStyle.Render(job.LastError))
		}
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d %s", list.Count, plural(list.Count, "job", "jobs"))))
}

// shortID truncates a UUID for column display. Retry accepts the short
// form's full sibling only, so the listing keeps full ids in --json mode.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// formatAge renders how long ago t was, in the largest sensible unit.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}

// =============================================================================
// Retry
// =============================================================================

func runDiscoveryRetryCommand(_ *cobra.Command, args []string) {
	jobID := args[0]

	var job jobInfo
	if _, err := postJSON("/v1/admin/discovery/jobs/"+url.PathEscape(jobID)+"/retry", nil, &job); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if jsonOutput {
		printJSON(job)
		return
	}

	fmt.Printf("%s job %s requeued (attempt %d): %s\n",
		okStyle.Render("+"), shortID(job.ID), job.Attempts, job.Query)
	fmt.Println(dimStyle.Render("Follow it with: suplo discovery watch"))
}

// =============================================================================
// Watch
// =============================================================================

func runDiscoveryWatchCommand(_ *cobra.Command, _ []string) {
	if jsonOutput || !stdoutIsTTY() {
		if err := streamEventLines(); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}
	if err := runWatchTUI(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// discoveryEventsURL maps the configured server URL onto the WebSocket
// event endpoint.
func discoveryEventsURL() (string, error) {
	u, err := url.Parse(resolveServerURL())
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/discovery/events"
	return u.String(), nil
}

// streamEventLines prints one JSON event per line until the stream ends or
// the user interrupts. This is the pipe-friendly mode of 'discovery watch'.
func streamEventLines() error {
	wsURL, err := discoveryEventsURL()
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Ctrl-C closes the socket, which unblocks the read below.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		_ = conn.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		var ev discoveryEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}
