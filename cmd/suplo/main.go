// Copyright (C) 2025 Suplo Health (oss@suplo.health)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding attribution and trademarks.

// Command suplo is the operations CLI for the supplement search service.
//
// It talks to a running searchd over HTTP for searches, seeding, and
// discovery-queue management, and operates directly on the BadgerDB data
// directories for offline store maintenance.
//
// Usage:
//
//	suplo search "vitamina d"
//	suplo search --interactive
//	suplo seed
//	suplo discovery stats
//	suplo discovery watch
//	suplo store summary
//	suplo store backup ./backups/2025-08-25
//
// The server address comes from --server, then SUPLO_SERVER_URL, then
// http://localhost:8080. Formatted output degrades to plain text when stdout
// is not a terminal; --json switches to raw JSON for scripting.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const cliVersion = "0.1.0"

// defaultServerURL is where a locally started searchd listens.
const defaultServerURL = "http://localhost:8080"

// Global flag values shared by every subcommand.
var (
	serverFlag  string
	jsonOutput  bool
	httpTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "suplo",
	Short: "Operations CLI for the Suplo supplement search service",
	Long: `suplo searches the supplement catalog, seeds it, and manages the
discovery queue of a running searchd. The store subcommands work offline on
the BadgerDB data directories instead and require the service to be stopped.`,
	SilenceUsage: true,
	Version:      cliVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"Base URL of the search service (default $SUPLO_SERVER_URL or "+defaultServerURL+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit raw JSON instead of formatted output")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "timeout", 30*time.Second,
		"HTTP request timeout")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(discoveryCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// Output Styling
// =============================================================================

// lipgloss detects the terminal's color profile itself, so these render as
// plain text when stdout is piped.
var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// stdoutIsTTY reports whether stdout is an interactive terminal. Spinners,
// prompts, and the watch TUI are suppressed for piped output.
func stdoutIsTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("failed to encode output: %v", err)
	}
}

// =============================================================================
// Server Access
// =============================================================================

// resolveServerURL returns the service base URL without a trailing slash.
// Precedence: --server flag, SUPLO_SERVER_URL, local default.
func resolveServerURL() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	if env := os.Getenv("SUPLO_SERVER_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return defaultServerURL
}

func apiClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// wireError mirrors the server's error object.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorEnvelope mirrors the server's error envelope.
type errorEnvelope struct {
	Error         wireError `json:"error"`
	CorrelationID string    `json:"correlation_id"`
}

// apiError turns a non-2xx response into a readable error, preferring the
// server's structured body over raw bytes.
func apiError(status int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s (%s)", status, envelope.Error.Message, envelope.Error.Kind)
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}

// getJSON issues a GET against the service and decodes a 200 response
// into out.
func getJSON(path string, out any) error {
	url := resolveServerURL() + path
	resp, err := apiClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach the search service at %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// postJSON issues a POST with an optional JSON payload and decodes a 2xx
// response into out. Returns the HTTP status so callers can distinguish
// created from replaced.
func postJSON(path string, payload any, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to create request body: %w", err)
		}
		body = strings.NewReader(string(raw))
	}

	url := resolveServerURL() + path
	resp, err := apiClient().Post(url, "application/json", body)
	if err != nil {
		return 0, fmt.Errorf("failed to reach the search service at %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, apiError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// =============================================================================
// Version
// =============================================================================

// readyStatus mirrors the server's readiness response.
type readyStatus struct {
	Status       string `json:"status"`
	Model        string `json:"model"`
	ModelVersion string `json:"model_version"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server versions",
	Run:   runVersionCommand,
}

func runVersionCommand(_ *cobra.Command, _ []string) {
	fmt.Printf("suplo %s\n", cliVersion)

	url := resolveServerURL() + "/readyz"
	resp, err := apiClient().Get(url)
	if err != nil {
		fmt.Printf("server: unreachable at %s\n", resolveServerURL())
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	var ready readyStatus
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		fmt.Printf("server: unexpected response from %s\n", url)
		return
	}
	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("server: ready, model %s (%s)\n", ready.Model, ready.ModelVersion)
	case http.StatusServiceUnavailable:
		fmt.Println("server: warming up")
	default:
		fmt.Printf("server: status %d\n", resp.StatusCode)
	}
}
