package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/seantiz/foundry/internal/model"
)

var (
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	passiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

func stateStyle(s model.RunState) lipgloss.Style {
	switch s {
	case model.StateActive:
		return activeStyle
	case model.StatePaused:
		return pausedStyle
	case model.StatePrompt:
		return promptStyle
	case model.StatePass:
		return passStyle
	case model.StateFail:
		return failStyle
	default:
		return passiveStyle
	}
}

// formatUpdate renders one update as a status line. Updates that carry no
// state change return "".
func formatUpdate(u model.Update) string {
	if u.State == "" || u.State == model.StatePassive {
		return ""
	}

	var b strings.Builder
	b.WriteString(keyStyle.Render(fmt.Sprintf("[%s]", u.Key())))
	b.WriteByte(' ')
	b.WriteString(stateStyle(u.State).Render(fmt.Sprintf("%-7s", u.State)))

	label, _, _ := strings.Cut(u.Label, "\n")
	if label != "" {
		b.WriteString(" " + label)
	}
	switch {
	case u.State == model.StatePrompt:
		b.WriteString(": " + promptStyle.Render(u.Prompt) + " (Enter to continue)")
	case u.StateLabel != "":
		b.WriteString(" (" + u.StateLabel + ")")
	}
	return b.String()
}

// formatResult renders the final outcome of a session.
func formatResult(dev model.DeviceInfo, res model.TestResult) string {
	name := dev.UID
	if dev.Hostname != "" {
		name += " " + dev.Hostname
	}
	text := strings.ReplaceAll(res.ResultText, "\n", " ")
	if res.Success {
		return fmt.Sprintf("%s %s (%.1fs)", keyStyle.Render(name), passStyle.Render(text), res.Elapsed.Seconds())
	}
	if res.ErrorCode != 0 {
		text = fmt.Sprintf("%s, error %d", text, res.ErrorCode)
	}
	return fmt.Sprintf("%s %s: %s", keyStyle.Render(name), failStyle.Render(text), res.Err)
}
