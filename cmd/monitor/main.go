// ztexminer: adaptive clocking driver for ZTEX USB FPGA miners
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"ztexminer/internal/client"
	"ztexminer/internal/miner"
	"ztexminer/internal/status"
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	tableStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	disabledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

var columns = []table.Column{
	{Title: "Slice", Width: 14},
	{Title: "State", Width: 10},
	{Title: "Clock", Width: 10},
	{Title: "Step", Width: 7},
	{Title: "Err rate", Width: 9},
	{Title: "HW", Width: 6},
	{Title: "Shares", Width: 7},
	{Title: "Dups", Width: 6},
}

type pollMsg struct {
	health *status.HealthResponse
	slices []miner.Snapshot
	err    error
}

type tickMsg time.Time

// API is the part of the status client the monitor uses.
type API interface {
	GetHealth() (*status.HealthResponse, error)
	GetSlices() ([]miner.Snapshot, error)
}

type Model struct {
	api      API
	addr     string
	interval time.Duration

	table   table.Model
	health  *status.HealthResponse
	slices  []miner.Snapshot
	err     error
	updated time.Time
	width   int
}

func NewModel(api API, addr string, interval time.Duration) Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	return Model{
		api:      api,
		addr:     addr,
		interval: interval,
		table:    t,
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return m.poll()
}

func (m Model) poll() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		var msg pollMsg
		msg.health, msg.err = api.GetHealth()
		if msg.err != nil {
			return msg
		}
		msg.slices, msg.err = api.GetSlices()
		return msg
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if h := msg.Height - 8; h > 3 {
			m.table.SetHeight(h)
		}
	case tickMsg:
		return m, m.poll()
	case pollMsg:
		m.err = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.slices = msg.slices
			m.updated = time.Now()
			m.table.SetRows(buildRows(msg.slices))
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func buildRows(slices []miner.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(slices))
	for _, s := range slices {
		state := s.State
		if state != miner.StateEnabled.String() {
			state = disabledStyle.Render(state)
		}
		rows = append(rows, table.Row{
			s.Name,
			state,
			fmt.Sprintf("%.1fMHz", s.MHz),
			fmt.Sprintf("%d/%d", s.FreqStep, s.FreqMaxM),
			strconv.FormatFloat(s.ErrorRate*100, 'f', 2, 64) + "%",
			strconv.FormatUint(s.HWErrors, 10),
			strconv.FormatUint(s.Submitted, 10),
			strconv.FormatUint(s.Duplicates, 10),
		})
	}
	return rows
}

func (m Model) View() string {
	var b strings.Builder

	title := "ZTEX miner " + m.addr
	if m.health != nil {
		title += fmt.Sprintf(" | %s | %d/%d enabled | up %s", m.health.Status, m.health.Enabled, m.health.Slices, m.health.Uptime)
	}
	b.WriteString(headerStyle.Width(m.width).Render(ansi.Truncate(title, m.width-4, "…")))
	b.WriteString("\n")

	b.WriteString(tableStyle.Render(m.table.View()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(ansi.Truncate("error: "+m.err.Error(), m.width, "…")))
		b.WriteString("\n")
	}

	footer := "waiting for first update"
	if !m.updated.IsZero() {
		footer = "updated " + m.updated.Format("15:04:05")
		if m.health != nil && m.health.Host.GoVersion != "" {
			footer += " | " + m.health.Host.String()
		}
	}
	b.WriteString(footerStyle.Width(m.width).Render(ansi.Truncate(footer, m.width-4, "…")))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q quit • r refresh • ↑/↓ select"))
	return b.String()
}

var (
	addr     string
	interval time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "monitor",
	Short:        "Terminal dashboard for a running ztex-miner",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		api := client.NewAPIClient(addr)
		p := tea.NewProgram(NewModel(api, addr, interval), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8090", "status API address of the miner")
	rootCmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
