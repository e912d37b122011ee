package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestSpinner(t *testing.T) {
	t.Run("init ticks", func(t *testing.T) {
		assert.NotNil(t, NewSpinner("Loading").Init())
	})

	t.Run("view shows message", func(t *testing.T) {
		assert.Contains(t, NewSpinner("Loading").View(), "Loading")
	})

	t.Run("quit keys", func(t *testing.T) {
		for _, key := range []tea.KeyMsg{
			{Type: tea.KeyRunes, Runes: []rune{'q'}},
			{Type: tea.KeyEsc},
			{Type: tea.KeyCtrlC},
		} {
			model, cmd := NewSpinner("Loading").Update(key)
			sm := model.(SpinnerModel)
			assert.True(t, sm.quitting)
			assert.NotNil(t, cmd)
			assert.Contains(t, sm.View(), "Cancelled")
		}
	})

	t.Run("done success", func(t *testing.T) {
		model, cmd := NewSpinner("Loading").Update(SpinnerDoneMsg{Result: "Connected"})
		sm := model.(SpinnerModel)
		assert.True(t, sm.done)
		assert.NotNil(t, cmd)
		assert.NoError(t, sm.Err())
		assert.Contains(t, sm.View(), "Connected")
	})

	t.Run("done failure", func(t *testing.T) {
		model, _ := NewSpinner("Loading").Update(SpinnerDoneMsg{Result: "refused", Err: errors.New("refused")})
		sm := model.(SpinnerModel)
		assert.Error(t, sm.Err())
		assert.Contains(t, sm.View(), "refused")
	})

	t.Run("tick", func(t *testing.T) {
		s := NewSpinner("Loading")
		_, cmd := s.Update(spinner.TickMsg{ID: s.spinner.ID()})
		assert.NotNil(t, cmd)
	})

	t.Run("other message", func(t *testing.T) {
		_, cmd := NewSpinner("Loading").Update("noise")
		assert.Nil(t, cmd)
	})
}

func TestProgress(t *testing.T) {
	p := NewProgress("Rebuilding")
	assert.Nil(t, p.Init())
	assert.Contains(t, p.View(), "Rebuilding")

	model, cmd := p.Update(ProgressMsg{Percent: 0.5, Message: "half"})
	pm := model.(ProgressModel)
	assert.Nil(t, cmd)
	assert.False(t, pm.done)
	assert.Contains(t, pm.View(), "half")

	model, cmd = pm.Update(ProgressMsg{Percent: 1, Message: "rebuilt"})
	pm = model.(ProgressModel)
	assert.NotNil(t, cmd)
	assert.True(t, pm.done)
	assert.Contains(t, pm.View(), "rebuilt")

	_, cmd = pm.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.NotNil(t, cmd)
}

func TestTable(t *testing.T) {
	t.Run("renders headers and cells", func(t *testing.T) {
		tbl := NewTable("ID", "Title")
		tbl.AddRow("t1", "Buy milk")
		tbl.AddRow("t2")
		assert.Equal(t, 2, tbl.Len())

		out := tbl.Render()
		assert.Contains(t, out, "ID")
		assert.Contains(t, out, "Title")
		assert.Contains(t, out, "Buy milk")
		assert.Contains(t, out, "t2")
	})

	t.Run("extra values are dropped", func(t *testing.T) {
		tbl := NewTable("A")
		tbl.AddRow("1", "2", "3")
		assert.Equal(t, []string{"1"}, tbl.rows[0])
	})

	t.Run("no headers", func(t *testing.T) {
		assert.Empty(t, NewTable().Render())
	})
}

func TestStatusBadge(t *testing.T) {
	for _, s := range []string{"ok", "pending", "failed", "other"} {
		assert.Contains(t, StatusBadge(s), s)
	}
}

func TestBanners(t *testing.T) {
	assert.Contains(t, Banner(), "family task engine")
	assert.Contains(t, SimpleBanner(), "kin")
	assert.Contains(t, Divider(5), "─────")
}

func TestTimeline(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	out := Timeline([]TimelineEntry{
		{Version: 1, Kind: "task.created", ActorID: "alice", Timestamp: at},
		{Version: 2, Kind: "task.completed", ActorID: "bob", Timestamp: at.Add(time.Hour)},
	})
	assert.Contains(t, out, "v1")
	assert.Contains(t, out, "task.completed")
	assert.Contains(t, out, "by bob")
	assert.Contains(t, out, "2026-05-01T10:00:00Z")
	assert.Contains(t, out, "└─")
}

func TestIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, IsTerminal(&buf))
}

func TestConfirmation(t *testing.T) {
	assert.Contains(t, Confirmation(true), "Yes")
	assert.Contains(t, Confirmation(false), "No")
}
