package tui

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mickamy/grpc-mediator/timeline"
)

type analyticsSortMode int

const (
	analyticsSortTotalDuration analyticsSortMode = iota
	analyticsSortCount
	analyticsSortAvgDuration
	analyticsSortP95
	analyticsSortErrorRate
	analyticsSortModes
)

var analyticsSortNames = [...]string{"total", "count", "avg", "p95", "errors"}

func (s analyticsSortMode) String() string {
	if s < 0 || s >= analyticsSortModes {
		return analyticsSortNames[0]
	}
	return analyticsSortNames[s]
}

func (s analyticsSortMode) next() analyticsSortMode {
	return (s + 1) % analyticsSortModes
}

// analyticsRow aggregates the closed calls of one method.
type analyticsRow struct {
	method        string
	count         int
	errors        int
	totalDuration time.Duration
	avgDuration   time.Duration
	p95Duration   time.Duration
	maxDuration   time.Duration
}

func (r analyticsRow) errorRate() float64 {
	if r.count == 0 {
		return 0
	}
	return float64(r.errors) / float64(r.count) * 100
}

// aggregate groups closed calls by method in order of first appearance.
func aggregate(calls []timeline.Summary) []analyticsRow {
	byMethod := make(map[string][]timeline.Summary)
	var order []string
	for _, c := range calls {
		if c.Method == "" || !c.Closed {
			continue
		}
		if _, ok := byMethod[c.Method]; !ok {
			order = append(order, c.Method)
		}
		byMethod[c.Method] = append(byMethod[c.Method], c)
	}

	rows := make([]analyticsRow, 0, len(order))
	for _, method := range order {
		group := byMethod[method]
		durs := make([]time.Duration, len(group))
		r := analyticsRow{method: method, count: len(group)}
		for i, c := range group {
			durs[i] = c.Duration
			r.totalDuration += c.Duration
			if failed(c) {
				r.errors++
			}
		}
		slices.Sort(durs)
		r.avgDuration = r.totalDuration / time.Duration(r.count)
		r.p95Duration = durs[(len(durs)-1)*95/100]
		r.maxDuration = durs[len(durs)-1]
		rows = append(rows, r)
	}
	return rows
}

func (m Model) buildAnalyticsRows() []analyticsRow {
	return aggregate(m.calls)
}

func sortAnalyticsRows(rows []analyticsRow, mode analyticsSortMode) {
	key := func(r analyticsRow) float64 {
		switch mode {
		case analyticsSortCount:
			return float64(r.count)
		case analyticsSortAvgDuration:
			return float64(r.avgDuration)
		case analyticsSortP95:
			return float64(r.p95Duration)
		case analyticsSortErrorRate:
			return r.errorRate()
		}
		return float64(r.totalDuration)
	}
	slices.SortFunc(rows, func(a, b analyticsRow) int {
		if c := cmp.Compare(key(b), key(a)); c != 0 {
			return c
		}
		return strings.Compare(a.method, b.method)
	})
}

func (m Model) updateAnalytics(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	last := max(len(m.analyticsRows)-1, 0)
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "q", "esc":
		m.view = viewList
		m = m.refresh()
	case "j", "down":
		m.analyticsCursor = min(m.analyticsCursor+1, last)
	case "k", "up":
		m.analyticsCursor = max(m.analyticsCursor-1, 0)
	case "ctrl+d", "pgdown":
		m.analyticsCursor = min(m.analyticsCursor+m.analyticsVisibleRows()/2, last)
	case "ctrl+u", "pgup":
		m.analyticsCursor = max(m.analyticsCursor-m.analyticsVisibleRows()/2, 0)
	case "g":
		m.analyticsCursor = 0
	case "G":
		m.analyticsCursor = last
	case "s":
		m.analyticsSortMode = m.analyticsSortMode.next()
		sortAnalyticsRows(m.analyticsRows, m.analyticsSortMode)
		m.analyticsCursor = 0
	}
	return m, nil
}

const (
	analyticsColCount  = 7
	analyticsColErrors = 9
	analyticsColDur    = 10
)

func (m Model) analyticsVisibleRows() int {
	return max(m.height-4, 3)
}

func (m Model) renderAnalytics() string {
	innerWidth := max(m.width-4, 20)
	dataRows := max(m.analyticsVisibleRows()-1, 1)
	colMethod := max(innerWidth-2-analyticsColCount-analyticsColErrors-4*analyticsColDur-7, 10)

	cells := func(cols ...string) string {
		widths := []int{analyticsColCount, analyticsColErrors, analyticsColDur, analyticsColDur, analyticsColDur, analyticsColDur}
		for i := range cols {
			cols[i] = padLeft(cols[i], widths[i])
		}
		return strings.Join(cols, " ")
	}

	lines := []string{lipgloss.NewStyle().Bold(true).Render(
		"  " + cells("Count", "Errors", "Avg", "P95", "Max", "Total") + "  Method",
	)}

	start := 0
	if len(m.analyticsRows) > dataRows {
		start = min(max(m.analyticsCursor-dataRows/2, 0), len(m.analyticsRows)-dataRows)
	}
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	for i, r := range m.analyticsRows[start:min(start+dataRows, len(m.analyticsRows))] {
		errs := strconv.Itoa(r.errors)
		if r.errors > 0 {
			errs = errStyle.Render(fmt.Sprintf("%d(%.0f%%)", r.errors, r.errorRate()))
		}
		line := cells(
			strconv.Itoa(r.count),
			errs,
			formatDurationValue(r.avgDuration),
			formatDurationValue(r.p95Duration),
			formatDurationValue(r.maxDuration),
			formatDurationValue(r.totalDuration),
		) + "  " + truncate(r.method, colMethod)

		if start+i == m.analyticsCursor {
			line = lipgloss.NewStyle().Bold(true).Render("▶ " + line)
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}

	title := fmt.Sprintf(" Analytics: %d methods, closed calls, sort by %s ", len(m.analyticsRows), m.analyticsSortMode)
	return titledBox(strings.Join(lines, "\n"), title, " q: back  j/k: scroll  s: sort ", innerWidth)
}
