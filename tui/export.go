package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mickamy/grpc-mediator/timeline"
)

type exportFormat int

const (
	exportJSON exportFormat = iota
	exportMarkdown
)

func (f exportFormat) ext() string {
	if f == exportMarkdown {
		return "md"
	}
	return "json"
}

type exportCall struct {
	ID         string  `json:"id"`
	Time       string  `json:"time"`
	Authority  string  `json:"authority"`
	Method     string  `json:"method"`
	DurationMs float64 `json:"duration_ms"`
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Rewritten  bool    `json:"rewritten"`
}

type exportAnalyticsRow struct {
	Method  string  `json:"method"`
	Count   int     `json:"count"`
	Errors  int     `json:"errors"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
	P95Ms   float64 `json:"p95_ms"`
	MaxMs   float64 `json:"max_ms"`
}

type exportPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type exportData struct {
	Captured  int                  `json:"captured"`
	Exported  int                  `json:"exported"`
	Search    string               `json:"search,omitempty"`
	Period    *exportPeriod        `json:"period,omitempty"`
	Calls     []exportCall         `json:"calls"`
	Analytics []exportAnalyticsRow `json:"analytics"`
}

// snapshot is the filtered view both renderers work from.
type snapshot struct {
	captured int
	search   string
	calls    []timeline.Summary
	rows     []analyticsRow
}

func takeSnapshot(all []timeline.Summary, search string, errorsOnly bool) snapshot {
	filter := strings.ToLower(search)
	calls := make([]timeline.Summary, 0, len(all))
	for _, c := range all {
		if matchesFilter(c, filter, errorsOnly) {
			calls = append(calls, c)
		}
	}
	return snapshot{captured: len(all), search: search, calls: calls, rows: aggregate(calls)}
}

func (s snapshot) period() *exportPeriod {
	if len(s.calls) == 0 {
		return nil
	}
	clock := func(t time.Time) string {
		return t.In(time.Local).Format("15:04:05") //nolint:gosmopolitan
	}
	return &exportPeriod{
		Start: clock(s.calls[0].StartTime),
		End:   clock(s.calls[len(s.calls)-1].StartTime),
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (s snapshot) data() exportData {
	d := exportData{
		Captured:  s.captured,
		Exported:  len(s.calls),
		Search:    s.search,
		Period:    s.period(),
		Calls:     make([]exportCall, 0, len(s.calls)),
		Analytics: make([]exportAnalyticsRow, 0, len(s.rows)),
	}
	for _, c := range s.calls {
		ec := exportCall{
			ID:        c.ID,
			Time:      formatTime(c.StartTime),
			Authority: c.Authority,
			Method:    c.Method,
			Status:    statusString(c),
			Message:   c.Message,
			Rewritten: c.Rewritten,
		}
		if c.Closed {
			ec.DurationMs = millis(c.Duration)
		}
		d.Calls = append(d.Calls, ec)
	}
	for _, r := range s.rows {
		d.Analytics = append(d.Analytics, exportAnalyticsRow{
			Method:  r.method,
			Count:   r.count,
			Errors:  r.errors,
			TotalMs: millis(r.totalDuration),
			AvgMs:   millis(r.avgDuration),
			P95Ms:   millis(r.p95Duration),
			MaxMs:   millis(r.maxDuration),
		})
	}
	return d
}

func renderExportJSON(all []timeline.Summary, search string, errorsOnly bool) (string, error) {
	b, err := json.MarshalIndent(takeSnapshot(all, search, errorsOnly).data(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("tui: marshal export: %w", err)
	}
	return string(b) + "\n", nil
}

func markdownRow(cols ...string) string {
	for i, c := range cols {
		cols[i] = strings.ReplaceAll(c, "|", `\|`)
	}
	return "| " + strings.Join(cols, " | ") + " |\n"
}

func renderExportMarkdown(all []timeline.Summary, search string, errorsOnly bool) string {
	s := takeSnapshot(all, search, errorsOnly)

	var sb strings.Builder
	sb.WriteString("# grpc-mediator export\n\n")
	fmt.Fprintf(&sb, "- Captured: %d calls\n", s.captured)
	fmt.Fprintf(&sb, "- Exported: %d calls", len(s.calls))
	if s.search != "" {
		fmt.Fprintf(&sb, " (search: %s)", s.search)
	}
	sb.WriteString("\n")
	if p := s.period(); p != nil {
		fmt.Fprintf(&sb, "- Period: %s to %s\n", p.Start, p.End)
	}

	sb.WriteString("\n## Calls\n\n")
	sb.WriteString(markdownRow("#", "Time", "Authority", "Method", "Duration", "Status", "Message", "Rewritten"))
	sb.WriteString(markdownRow("---", "---", "---", "---", "---", "---", "---", "---"))
	for i, c := range s.calls {
		rewritten := ""
		if c.Rewritten {
			rewritten = "yes"
		}
		sb.WriteString(markdownRow(
			fmt.Sprint(i+1), formatTime(c.StartTime), c.Authority, c.Method,
			formatDuration(c), statusString(c), c.Message, rewritten,
		))
	}

	if len(s.rows) == 0 {
		return sb.String()
	}
	sb.WriteString("\n## Analytics\n\n")
	sb.WriteString(markdownRow("Method", "Count", "Errors", "Avg", "P95", "Max", "Total"))
	sb.WriteString(markdownRow("---", "---", "---", "---", "---", "---", "---"))
	for _, r := range s.rows {
		errs := fmt.Sprint(r.errors)
		if r.errors > 0 {
			errs = fmt.Sprintf("%d(%.0f%%)", r.errors, r.errorRate())
		}
		sb.WriteString(markdownRow(
			r.method, fmt.Sprint(r.count), errs,
			formatDurationValue(r.avgDuration),
			formatDurationValue(r.p95Duration),
			formatDurationValue(r.maxDuration),
			formatDurationValue(r.totalDuration),
		))
	}
	return sb.String()
}

// writeExport writes the filtered calls into dir, or the working directory
// when dir is empty, and returns the file path.
func writeExport(all []timeline.Summary, search string, errorsOnly bool, format exportFormat, dir string) (string, error) {
	var content string
	switch format {
	case exportMarkdown:
		content = renderExportMarkdown(all, search, errorsOnly)
	default:
		var err error
		if content, err = renderExportJSON(all, search, errorsOnly); err != nil {
			return "", err
		}
	}

	name := filepath.Join(dir, fmt.Sprintf("grpc-mediator-%s.%s", time.Now().Format("20060102-150405"), format.ext()))
	if err := os.WriteFile(name, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("tui: write export: %w", err)
	}
	return name, nil
}
