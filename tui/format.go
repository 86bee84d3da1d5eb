package tui

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"google.golang.org/grpc/codes"

	"github.com/mickamy/grpc-mediator/codec"
	"github.com/mickamy/grpc-mediator/timeline"
)

// rawPreview caps the bytes shown for bodies that could not be decoded.
const rawPreview = 64

func formatDuration(s timeline.Summary) string {
	if !s.Closed {
		return "-"
	}
	return formatDurationValue(s.Duration)
}

func formatDurationValue(dur time.Duration) string {
	switch {
	case dur < time.Millisecond:
		return fmt.Sprintf("%.0fµs", float64(dur.Microseconds()))
	case dur < time.Second:
		return fmt.Sprintf("%.1fms", float64(dur.Microseconds())/1000)
	default:
		return fmt.Sprintf("%.2fs", dur.Seconds())
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(time.Local).Format("15:04:05.000") //nolint:gosmopolitan
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return s[:maxLen]
	}
	return s[:maxLen-1] + "…"
}

func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func padLeft(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return strings.Repeat(" ", width-w) + s
}

func friendlyError(err error, width int) string {
	msg := err.Error()

	var text string
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "Unavailable"):
		text = "Could not connect to grpc-mediatord.\n" +
			"Is grpc-mediatord running?\n\n" +
			"Error: " + msg
	default:
		text = "Error: " + msg
	}

	return lipgloss.NewStyle().Width(width).Render(text)
}

func failed(s timeline.Summary) bool {
	return s.Closed && s.Code != int32(codes.OK)
}

func statusStyle(s timeline.Summary) lipgloss.Style {
	switch {
	case !s.Closed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // yellow
	case s.Code == int32(codes.OK):
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // green
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // red
	}
}

func statusString(s timeline.Summary) string {
	switch {
	case !s.Closed:
		return "OPEN"
	case s.StatusName != "":
		return s.StatusName
	default:
		return fmt.Sprintf("CODE(%d)", s.Code)
	}
}

func metadataLines(md []codec.DisplayValue) []string {
	lines := make([]string, 0, len(md))
	for _, v := range md {
		text := v.Text
		switch {
		case v.StatusName != "":
			text += " (" + v.StatusName + ")"
		case v.Undecodable:
			text += " (undecodable)"
		}
		lines = append(lines, "  "+v.Key+": "+text)
	}
	return lines
}

func bodyLines(b *timeline.BodyView) []string {
	if b == nil {
		return nil
	}
	head := fmt.Sprintf("  body: %d bytes, %s", b.Size, b.State)
	if len(b.Original) > 0 {
		head += ", rewritten"
	}
	lines := []string{head}
	if b.Error != "" {
		lines = append(lines, "  error: "+b.Error)
	}
	if b.RewriteError != "" {
		lines = append(lines, "  rewrite error: "+b.RewriteError)
	}

	if b.State == timeline.Decoded && len(b.JSON) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, b.JSON, "  ", "  "); err == nil {
			return append(lines, strings.Split("  "+buf.String(), "\n")...)
		}
		return append(lines, "  "+string(b.JSON))
	}

	raw := b.Raw
	if len(raw) > rawPreview {
		raw = raw[:rawPreview]
	}
	if len(raw) > 0 {
		dump := strings.TrimRight(hex.Dump(raw), "\n")
		for _, l := range strings.Split(dump, "\n") {
			lines = append(lines, "  "+l)
		}
	}
	return lines
}

func ruleLines(rules []timeline.RuleView) []string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		l := fmt.Sprintf("  rule %q: %s", r.Rule, r.Outcome)
		if r.Changed {
			l += " (changed)"
		}
		if r.Error != "" {
			l += ": " + r.Error
		}
		lines = append(lines, l)
	}
	return lines
}

func closeLine(ev timeline.EventView) string {
	if ev.Code == nil {
		return ""
	}
	name := codec.StatusName(strconv.Itoa(int(*ev.Code)))
	if name == "" {
		name = fmt.Sprintf("CODE(%d)", *ev.Code)
	}
	l := "  status: " + name
	if ev.Message != "" {
		l += ": " + ev.Message
	}
	return l
}
