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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var searchInteractive bool

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the supplement catalog",
	Long: `Searches for a supplement by name, in any of the supported languages
and spellings. A query the catalog does not know yet is handed to the
discovery queue; re-run the search once the job completes, or follow it with
'suplo discovery watch'.`,
	Run: runSearchCommand,
}

func init() {
	searchCmd.Flags().BoolVarP(&searchInteractive, "interactive", "i", false,
		"Keep prompting for queries until exit")
}

func runSearchCommand(_ *cobra.Command, args []string) {
	if !searchInteractive && len(args) == 0 {
		log.Fatalf("Usage: suplo search <query>\n       suplo search --interactive")
	}

	scanner := bufio.NewScanner(os.Stdin)
	query := strings.TrimSpace(strings.Join(args, " "))

	for {
		if query == "" {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			query = strings.TrimSpace(scanner.Text())
			if query == "" {
				continue
			}
			if query == "exit" || query == "quit" || query == "q" {
				fmt.Println("Goodbye.")
				break
			}
		}

		searchOnce(query)

		if !searchInteractive {
			break
		}
		query = ""
	}
}

// searchOnce runs one query and prints the result. In one-shot mode a
// rejected query exits 1 so scripts can branch on it.
func searchOnce(query string) {
	result, err := sendSearchRequest(query)
	if err != nil {
		if searchInteractive {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		log.Fatalf("Error: %v", err)
	}

	if jsonOutput {
		printJSON(result)
	} else {
		fmt.Print(renderSearchResult(result))
	}

	if !searchInteractive && result.Status == "invalid" {
		os.Exit(1)
	}
}

// =============================================================================
// Wire Types
// =============================================================================

// supplementInfo mirrors the server's supplement payload.
type supplementInfo struct {
	ID            string     `json:"id"`
	CanonicalName string     `json:"canonical_name"`
	Aliases       []string   `json:"aliases,omitempty"`
	EvidenceGrade string     `json:"evidence_grade,omitempty"`
	StudyCount    int        `json:"study_count,omitempty"`
	Category      string     `json:"category,omitempty"`
	Description   string     `json:"description,omitempty"`
	FirstSeen     *time.Time `json:"first_seen,omitempty"`
}

// searchResult mirrors the server's search response. The same shape comes
// back for found (200), processing (404), and invalid (400).
type searchResult struct {
	Status        string          `json:"status"`
	Supplement    *supplementInfo `json:"supplement,omitempty"`
	Similarity    float64         `json:"similarity,omitempty"`
	SourceTier    string          `json:"source_tier"`
	Stage         string          `json:"stage,omitempty"`
	Confidence    float64         `json:"confidence,omitempty"`
	JobID         string          `json:"job_id,omitempty"`
	LatencyMs     int64           `json:"latency_ms"`
	CorrelationID string          `json:"correlation_id"`
	Error         *wireError      `json:"error,omitempty"`
}

func sendSearchRequest(query string) (searchResult, error) {
	var result searchResult

	payload, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return result, fmt.Errorf("failed to create request body: %w", err)
	}

	url := resolveServerURL() + "/v1/search"

	stop := startSpinner("Searching")
	resp, err := apiClient().Post(url, "application/json", bytes.NewBuffer(payload))
	stop()
	if err != nil {
		return result, fmt.Errorf("failed to reach the search service at %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusBadRequest:
		if err := json.Unmarshal(body, &result); err != nil {
			return result, fmt.Errorf("failed to parse response: %w", err)
		}
		if result.Status == "" {
			// A 404 from the router, not a processing answer.
			return result, apiError(resp.StatusCode, body)
		}
		return result, nil
	default:
		return result, apiError(resp.StatusCode, body)
	}
}

// =============================================================================
// Rendering
// =============================================================================

func renderSearchResult(r searchResult) string {
	var b strings.Builder

	switch r.Status {
	case "found":
		sup := r.Supplement
		fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(sup.CanonicalName), gradeBadge(sup.EvidenceGrade))
		if sup.Description != "" {
			fmt.Fprintf(&b, "  %s\n", sup.Description)
		}
		if len(sup.Aliases) > 0 {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("aliases:"), strings.Join(sup.Aliases, ", "))
		}
		if sup.Category != "" || sup.StudyCount > 0 {
			fmt.Fprintf(&b, "  %s %s, %d studies\n", dimStyle.Render("evidence:"), sup.Category, sup.StudyCount)
		}
		fmt.Fprintf(&b, "  %s\n", dimStyle.Render(fmt.Sprintf(
			"similarity %.2f  tier %s  stage %s  %dms", r.Similarity, r.SourceTier, r.Stage, r.LatencyMs)))

	case "processing":
		fmt.Fprintf(&b, "%s\n", warnStyle.Render("Not in the catalog yet."))
		fmt.Fprintf(&b, "Discovery job %s is queued; evidence grading usually lands within a minute.\n", r.JobID)
		fmt.Fprintf(&b, "%s\n", dimStyle.Render("Follow it with: suplo discovery watch"))

	case "invalid":
		msg := "query rejected"
		if r.Error != nil {
			msg = r.Error.Message
		}
		fmt.Fprintf(&b, "%s %s\n", errStyle.Render("Invalid query:"), msg)

	default:
		fmt.Fprintf(&b, "Unexpected status %q\n", r.Status)
	}

	return b.String()
}

// gradeBadge renders the evidence grade as a colored tag. A and B are the
// well-studied grades; D and E mean thin literature.
func gradeBadge(grade string) string {
	if grade == "" {
		return dimStyle.Render("[ungraded]")
	}
	tag := "[" + grade + "]"
	switch grade {
	case "A", "B":
		return okStyle.Render(tag)
	case "C":
		return warnStyle.Render(tag)
	default:
		return errStyle.Render(tag)
	}
}

// =============================================================================
// Spinner
// =============================================================================

// startSpinner shows a progress animation until the returned stop function
// runs. A no-op when stdout is piped or --json is set.
func startSpinner(msg string) func() {
	if jsonOutput || !stdoutIsTTY() {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		showSpinner(msg, done)
	}()
	return func() {
		close(done)
		<-finished
	}
}

// showSpinner animates until done closes, then clears its line and restores
// the cursor.
func showSpinner(msg string, done chan struct{}) {
	chars := []string{"▖", "▘", "▝", "▗"}
	i := 0

	fmt.Print("\033[?25l")
	defer fmt.Print("\033[?25h")

	for {
		select {
		case <-done:
			fmt.Print("\r\033[K")
			return
		default:
			fmt.Printf("\r%s  %s...\033[K", chars[i%len(chars)], msg)
			i++
			time.Sleep(100 * time.Millisecond)
		}
	}
}
