package main

import (
	"context"
	"fmt"
	"time"

	"coe/pkg/store"

	tea "github.com/charmbracelet/bubbletea"
)

// watchTickMsg triggers a status refresh.
type watchTickMsg time.Time

// statusMsg carries a freshly collected status snapshot.
type statusMsg struct {
	data statusData
	err  error
}

// watchModel is the Bubble Tea model behind "coe status --watch".
type watchModel struct {
	ctx      context.Context
	st       store.Store
	th       theme
	interval time.Duration

	data    statusData
	err     error
	loaded  bool
	updated time.Time
}

func newWatchModel(ctx context.Context, st store.Store, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return watchModel{ctx: ctx, st: st, th: defaultTheme(), interval: interval}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		d, err := collectStatus(m.ctx, m.st)
		return statusMsg{data: d, err: err}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case statusMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.data = msg.data
			m.updated = time.Now()
		}
	case watchTickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	}
	return m, nil
}

func (m watchModel) View() string {
	if !m.loaded {
		return m.th.Muted.Render("loading...") + "\n"
	}
	out := renderStatus(m.data, m.th) + "\n\n"
	if m.err != nil {
		out += m.th.Warn.Render("refresh failed: "+m.err.Error()) + "\n"
	}
	footer := fmt.Sprintf("updated %s, every %s  (r refresh, q quit)", m.updated.Format("15:04:05"), m.interval)
	return out + m.th.Muted.Render(footer) + "\n"
}

// watchStatus runs the live status view until the user quits or ctx ends.
func watchStatus(ctx context.Context, st store.Store, interval time.Duration) error {
	p := tea.NewProgram(newWatchModel(ctx, st, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("status view: %w", err)
	}
	return nil
}
