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
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// discoveryEvent mirrors the server's job transition event.
type discoveryEvent struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Query    string    `json:"query"`
	State    string    `json:"state"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// watchEventMsg delivers one stream event to the model.
type watchEventMsg discoveryEvent

// streamClosedMsg reports that the event stream ended.
type streamClosedMsg struct {
	err error
}

// maxWatchEvents bounds the in-memory event history.
const maxWatchEvents = 200

// watchEventOrder fixes the display order of the counters line.
var watchEventOrder = []string{"job_enqueued", "job_started", "job_retrying", "job_completed"}

var watchEventLabels = map[string]string{
	"job_enqueued":  "enqueued",
	"job_started":   "started",
	"job_retrying":  "retrying",
	"job_completed": "completed",
}

// =============================================================================
// Model
// =============================================================================

// watchModel is the live discovery view. Events arrive on msgs; the model
// re-arms a single wait command per event so the channel is never read from
// two commands at once.
type watchModel struct {
	spinner  spinner.Model
	server   string
	msgs     chan tea.Msg
	events   []discoveryEvent
	counts   map[string]int
	closed   bool
	closeErr error
	width    int
	height   int
}

func newWatchModel(server string, msgs chan tea.Msg) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = titleStyle
	return watchModel{
		spinner: s,
		server:  server,
		msgs:    msgs,
		counts:  make(map[string]int),
	}
}

// waitForStreamMsg hands the next stream message to the program.
func waitForStreamMsg(msgs chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-msgs
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForStreamMsg(m.msgs))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case watchEventMsg:
		m.events = append(m.events, discoveryEvent(msg))
		if len(m.events) > maxWatchEvents {
			m.events = m.events[len(m.events)-maxWatchEvents:]
		}
		m.counts[msg.Type]++
		return m, waitForStreamMsg(m.msgs)

	case streamClosedMsg:
		m.closed = true
		m.closeErr = msg.err
		return m, nil
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	if m.closed {
		b.WriteString(errStyle.Render("● "))
	} else {
		b.WriteString(m.spinner.View())
	}
	b.WriteString(titleStyle.Render("Discovery watch"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(m.server))
	b.WriteString("\n\n")

	b.WriteString("  ")
	for i, eventType := range watchEventOrder {
		if i > 0 {
			b.WriteString("   ")
		}
		b.WriteString(fmt.Sprintf("%s %d", dimStyle.Render(watchEventLabels[eventType]), m.counts[eventType]))
	}
	b.WriteString("\n\n")

	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  waiting for job activity...\n"))
	} else {
		for _, ev := range m.visibleEvents() {
			b.WriteString(m.renderEvent(ev))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.closed {
		if m.closeErr != nil {
			b.WriteString(errStyle.Render(fmt.Sprintf("  stream closed: %v", m.closeErr)))
		} else {
			b.WriteString(dimStyle.Render("  stream closed"))
		}
		b.WriteString(dimStyle.Render("  (q to quit)"))
	} else {
		b.WriteString(dimStyle.Render("  q to quit"))
	}
	b.WriteString("\n")

	return b.String()
}

// visibleEvents returns the newest events that fit the terminal height,
// leaving room for the header and footer chrome.
func (m watchModel) visibleEvents() []discoveryEvent {
	rows := 10
	if m.height > 7 {
		rows = m.height - 7
	}
	if len(m.events) <= rows {
		return m.events
	}
	return m.events[len(m.events)-rows:]
}

func (m watchModel) renderEvent(ev discoveryEvent) string {
	verb := watchEventLabels[ev.Type]
	if verb == "" {
		verb = ev.Type
	}

	// Completed rows carry the outcome; the state color says which.
	styled := dimStyle.Render(fmt.Sprintf("%-10s", verb))
	if ev.Type == "job_completed" {
		styled = stateStyle(ev.State).Render(fmt.Sprintf("%-10s", verb))
	}

	line := fmt.Sprintf("  %s  %s %s  %s",
		dimStyle.Render(ev.At.Local().Format("15:04:05")),
		styled,
		shortID(ev.JobID),
		ev.Query)
	if ev.Type == "job_completed" {
		line += "  " + stateStyle(ev.State).Render(ev.State)
	}
	if ev.Type == "job_retrying" {
		line += dimStyle.Render(fmt.Sprintf("  attempt %d", ev.Attempts))
	}

	if m.width > 0 {
		line = truncateLine(line, m.width)
	}
	return line
}

// truncateLine caps a rendered line at width terminal cells. Styled runs
// make exact measurement awkward, so this trims on runes past a slack
// allowance for the ANSI escapes.
func truncateLine(line string, width int) string {
	const ansiSlack = 40
	runes := []rune(line)
	if len(runes) <= width+ansiSlack {
		return line
	}
	return string(runes[:width+ansiSlack])
}

// =============================================================================
// Program
// =============================================================================

// runWatchTUI connects to the event stream and runs the live view until the
// user quits. Dial errors surface before any screen takeover happens.
func runWatchTUI() error {
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

	msgs := make(chan tea.Msg, 64)
	done := make(chan struct{})

	// The reader pushes events until the socket dies or the program exits.
	// It never closes msgs: the model stops re-arming reads after the
	// closed message, so an open idle channel is the clean end state.
	go func() {
		for {
			var ev discoveryEvent
			if err := conn.ReadJSON(&ev); err != nil {
				streamErr := err
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					streamErr = nil
				}
				select {
				case msgs <- streamClosedMsg{err: streamErr}:
				case <-done:
				}
				return
			}
			select {
			case msgs <- watchEventMsg(ev):
			case <-done:
				return
			}
		}
	}()

	p := tea.NewProgram(newWatchModel(resolveServerURL(), msgs), tea.WithAltScreen())
	_, runErr := p.Run()

	close(done)
	_ = conn.Close()
	return runErr
}
