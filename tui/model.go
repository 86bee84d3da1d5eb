package tui

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mickamy/grpc-mediator/server"
	"github.com/mickamy/grpc-mediator/timeline"
)

// detailTimeout bounds a GetCall request, schema resolution included.
const detailTimeout = 10 * time.Second

type viewMode int

const (
	viewList viewMode = iota
	viewInspect
	viewAnalytics
)

type sortMode int

const (
	sortChronological sortMode = iota
	sortDuration
)

// Model is the Bubble Tea model for the grpc-mediator TUI.
type Model struct {
	target string
	client *server.Client
	stream *server.WatchStream

	calls  []timeline.Summary
	index  map[string]int // call ID -> position in calls
	cursor int
	follow bool
	width  int
	height int
	err    error
	view   viewMode
	status string // temporary status message (e.g. "Exported ...")

	searchMode   bool
	searchQuery  string
	sortMode     sortMode
	filterErrors bool

	displayRows []int // indices into calls

	detailID      string
	detail        *timeline.View
	detailErr     error
	inspectScroll int

	analyticsRows     []analyticsRow
	analyticsCursor   int
	analyticsSortMode analyticsSortMode
}

type updateMsg struct{ Update timeline.Update }
type errMsg struct{ Err error }

type connectedMsg struct {
	client *server.Client
	stream *server.WatchStream
	calls  []timeline.Summary
}

type detailMsg struct {
	ID   string
	View timeline.View
	Err  error
}

type exportMsg struct {
	Path string
	Err  error
}

type clearStatusMsg struct{}

// New creates a new Model targeting the given grpc-mediatord address.
func New(target string) Model {
	return Model{
		target: target,
		follow: true,
		index:  make(map[string]int),
	}
}

func (m Model) Init() tea.Cmd {
	return connectCmd(m.target)
}

// connectCmd subscribes before listing so no call falls between the two.
func connectCmd(target string) tea.Cmd {
	return func() tea.Msg {
		client, err := server.Dial(target)
		if err != nil {
			return errMsg{Err: err}
		}
		stream, err := client.Watch(context.Background())
		if err != nil {
			_ = client.Close()
			return errMsg{Err: fmt.Errorf("watch %s: %w", target, err)}
		}
		calls, err := client.ListCalls(context.Background())
		if err != nil {
			_ = client.Close()
			return errMsg{Err: fmt.Errorf("list calls %s: %w", target, err)}
		}
		return connectedMsg{client: client, stream: stream, calls: calls}
	}
}

func recvUpdate(stream *server.WatchStream) tea.Cmd {
	return func() tea.Msg {
		u, err := stream.Recv()
		if err != nil {
			return errMsg{Err: err}
		}
		return updateMsg{Update: u}
	}
}

func fetchDetail(client *server.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), detailTimeout)
		defer cancel()
		v, err := client.GetCall(ctx, id, true)
		return detailMsg{ID: id, View: v, Err: err}
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return clearStatusMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case connectedMsg:
		m.client = msg.client
		m.stream = msg.stream
		for _, c := range msg.calls {
			m = m.upsert(c)
		}
		m = m.refresh()
		return m, recvUpdate(msg.stream)

	case updateMsg:
		m = m.apply(msg.Update)
		var cmd tea.Cmd
		if m.view == viewInspect && msg.Update.CallID == m.detailID &&
			msg.Update.Kind == timeline.Appended && m.client != nil {
			cmd = fetchDetail(m.client, m.detailID)
		}
		return m, tea.Batch(recvUpdate(m.stream), cmd)

	case detailMsg:
		if msg.ID != m.detailID {
			return m, nil
		}
		m.detailErr = msg.Err
		if msg.Err == nil {
			v := msg.View
			m.detail = &v
		}
		return m, nil

	case exportMsg:
		if msg.Err != nil {
			m.status = "Export failed: " + msg.Err.Error()
		} else {
			m.status = "Exported to " + msg.Path
		}
		return m, clearStatusAfter(3 * time.Second)

	case clearStatusMsg:
		m.status = ""
		return m, nil

	case errMsg:
		m.err = msg.Err
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case viewAnalytics:
			return m.updateAnalytics(msg)
		case viewInspect:
			return m.updateInspect(msg)
		case viewList:
			return m.updateList(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}
	return m, nil
}

// apply folds a change notification into the call list.
func (m Model) apply(u timeline.Update) Model {
	switch {
	case u.Kind == timeline.Evicted:
		m = m.remove(u.CallID)
	case u.Summary != nil:
		m = m.upsert(*u.Summary)
	default:
		return m
	}
	if m.view == viewList {
		m = m.refresh()
	}
	return m
}

func (m Model) upsert(c timeline.Summary) Model {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[c.ID]; ok {
		m.calls[i] = c
		return m
	}
	m.index[c.ID] = len(m.calls)
	m.calls = append(m.calls, c)
	return m
}

func (m Model) remove(id string) Model {
	i, ok := m.index[id]
	if !ok {
		return m
	}
	m.calls = slices.Delete(m.calls, i, i+1)
	delete(m.index, id)
	for j := i; j < len(m.calls); j++ {
		m.index[m.calls[j].ID] = j
	}
	return m
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.client != nil {
		_ = m.client.Close()
	}
	return m, tea.Quit
}

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}

	if m.err != nil {
		return friendlyError(m.err, m.width)
	}

	switch m.view {
	case viewAnalytics:
		return m.renderAnalytics()
	case viewInspect:
		return m.renderInspector()
	}

	if len(m.calls) == 0 {
		return "Waiting for gRPC traffic..."
	}
	return m.renderListView()
}

func (m Model) listHeight() int {
	return max(m.height-10, 3)
}

func matchesFilter(c timeline.Summary, filter string, filterErrors bool) bool {
	if filter != "" &&
		!strings.Contains(strings.ToLower(c.Method), filter) &&
		!strings.Contains(strings.ToLower(c.Authority), filter) {
		return false
	}
	return !filterErrors || failed(c)
}

func (m Model) rebuildDisplayRows() []int {
	var rows []int
	filter := strings.ToLower(m.searchQuery)

	for i, c := range m.calls {
		if matchesFilter(c, filter, m.filterErrors) {
			rows = append(rows, i)
		}
	}

	if m.sortMode == sortDuration {
		sort.SliceStable(rows, func(a, b int) bool {
			return m.calls[rows[a]].Duration > m.calls[rows[b]].Duration
		})
	}

	return rows
}

// refresh rebuilds the visible rows, keeping the cursor on the newest call
// while following.
func (m Model) refresh() Model {
	m.displayRows = m.rebuildDisplayRows()
	last := max(len(m.displayRows)-1, 0)
	if m.follow {
		m.cursor = last
	} else {
		m.cursor = min(m.cursor, last)
	}
	return m
}

func (m Model) refilter() Model {
	m.displayRows = m.rebuildDisplayRows()
	m.cursor = min(m.cursor, max(len(m.displayRows)-1, 0))
	return m
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.searchMode {
		return m.updateSearch(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m.quit()
	case "enter":
		c := m.cursorCall()
		if c == nil || m.client == nil {
			return m, nil
		}
		m.view = viewInspect
		m.inspectScroll = 0
		m.detailID = c.ID
		m.detail = nil
		m.detailErr = nil
		return m, fetchDetail(m.client, c.ID)
	case "/":
		m.searchMode = true
		m.searchQuery = ""
		return m, nil
	case "e":
		m.filterErrors = !m.filterErrors
		m = m.refilter()
		return m, nil
	case "a":
		m.view = viewAnalytics
		m.analyticsRows = m.buildAnalyticsRows()
		sortAnalyticsRows(m.analyticsRows, m.analyticsSortMode)
		m.analyticsCursor = 0
		return m, nil
	case "x", "X":
		format := exportJSON
		if msg.String() == "X" {
			format = exportMarkdown
		}
		calls := slices.Clone(m.calls)
		query, errorsOnly := m.searchQuery, m.filterErrors
		return m, func() tea.Msg {
			path, err := writeExport(calls, query, errorsOnly, format, "")
			return exportMsg{Path: path, Err: err}
		}
	case "s":
		return m.toggleSort(), nil
	case "esc":
		return m.clearFilter(), nil
	case "j", "down":
		if len(m.displayRows) > 0 && m.cursor < len(m.displayRows)-1 {
			m.cursor++
		}
		if len(m.displayRows) > 0 && m.cursor == len(m.displayRows)-1 {
			m.follow = true
		}
		return m, nil
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
			m.follow = false
		}
		return m, nil
	case "ctrl+d", "pgdown":
		half := max(m.listHeight()/2, 1)
		m.cursor = min(m.cursor+half, max(len(m.displayRows)-1, 0))
		if len(m.displayRows) > 0 && m.cursor == len(m.displayRows)-1 {
			m.follow = true
		}
		return m, nil
	case "ctrl+u", "pgup":
		half := max(m.listHeight()/2, 1)
		m.cursor = max(m.cursor-half, 0)
		m.follow = false
		return m, nil
	}
	return m, nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.searchMode = false
		return m, nil
	case "esc":
		m.searchMode = false
		m.searchQuery = ""
		m = m.refilter()
		return m, nil
	case "backspace":
		if len(m.searchQuery) > 0 {
			_, size := utf8.DecodeLastRuneInString(m.searchQuery)
			m.searchQuery = m.searchQuery[:len(m.searchQuery)-size]
			m = m.refilter()
		}
		return m, nil
	case "ctrl+c":
		return m.quit()
	}

	r := msg.Runes
	if len(r) == 0 {
		return m, nil
	}

	m.searchQuery += string(r)
	m = m.refilter()
	return m, nil
}

func (m Model) toggleSort() Model {
	switch m.sortMode {
	case sortChronological:
		m.sortMode = sortDuration
		m.follow = false
	case sortDuration:
		m.sortMode = sortChronological
	}
	m.displayRows = m.rebuildDisplayRows()
	m.cursor = 0
	return m
}

func (m Model) clearFilter() Model {
	if m.searchQuery != "" {
		m.searchQuery = ""
		m = m.refilter()
	}
	return m
}

func (m Model) cursorCall() *timeline.Summary {
	if m.cursor < 0 || m.cursor >= len(m.displayRows) {
		return nil
	}
	c := m.calls[m.displayRows[m.cursor]]
	return &c
}

// titledBox draws content in a rounded border with title and help text
// set into the top and bottom edges.
func titledBox(content, title, help string, innerWidth int) string {
	borderColor := lipgloss.Color("240")
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Width(innerWidth).
		BorderForeground(borderColor).
		Render(content)

	lines := strings.Split(box, "\n")
	borderFg := lipgloss.NewStyle().Foreground(borderColor)
	if len(lines) > 0 && title != "" {
		dashes := max(innerWidth-len([]rune(title)), 0)
		lines[0] = borderFg.Render("╭") +
			lipgloss.NewStyle().Bold(true).Render(title) +
			borderFg.Render(strings.Repeat("─", dashes)+"╮")
	}
	if n := len(lines); n > 1 && help != "" {
		dashes := max(innerWidth-len([]rune(help)), 0)
		lines[n-1] = borderFg.Render("╰") +
			lipgloss.NewStyle().Faint(true).Render(help) +
			borderFg.Render(strings.Repeat("─", dashes)+"╯")
	}
	return strings.Join(lines, "\n")
}

// renderListView renders the main list + preview + footer.
func (m Model) renderListView() string {
	innerWidth := max(m.width-4, 20)
	listHeight := m.listHeight()

	var title string
	if m.searchQuery != "" || m.filterErrors {
		title = fmt.Sprintf(" grpc-mediator (%d/%d calls) ", len(m.displayRows), len(m.calls))
	} else {
		title = fmt.Sprintf(" grpc-mediator (%d calls) ", len(m.calls))
	}
	if m.filterErrors {
		title += "[errors] "
	}
	if m.sortMode == sortDuration {
		title += "[slow] "
	}

	colMarker := 4
	colAuthority := 22
	colStatus := 18
	colDuration := 10
	colTime := 13
	colMethod := max(innerWidth-colMarker-colAuthority-colStatus-colDuration-colTime-5, 10)

	header := fmt.Sprintf("    %-*s %-*s %-*s %*s %*s",
		colAuthority, "Authority",
		colMethod, "Method",
		colStatus, "Status",
		colDuration, "Duration",
		colTime, "Time",
	)

	dataRows := max(listHeight-1, 1)
	start := 0
	if len(m.displayRows) > dataRows {
		start = max(m.cursor-dataRows/2, 0)
		if start+dataRows > len(m.displayRows) {
			start = len(m.displayRows) - dataRows
		}
	}
	end := min(start+dataRows, len(m.displayRows))

	var rows []string
	rows = append(rows, lipgloss.NewStyle().Bold(true).Render(header))
	for i := start; i < end; i++ {
		c := m.calls[m.displayRows[i]]
		isCursor := i == m.cursor

		marker := "  "
		if isCursor {
			marker = "▶ "
		}
		if c.Rewritten {
			marker = strings.TrimSpace(marker) + "✎"
		}

		authority := truncate(c.Authority, colAuthority)
		method := truncate(c.Method, colMethod)
		status := statusString(c)
		dur := formatDuration(c)
		t := formatTime(c.StartTime)

		stStyle := statusStyle(c)
		if isCursor {
			bold := lipgloss.NewStyle().Bold(true)
			stStyle = stStyle.Bold(true)
			rows = append(rows, fmt.Sprintf("%s  %s %s %s %s %s",
				padRight(bold.Render(marker), 2),
				padRight(bold.Render(authority), colAuthority),
				padRight(bold.Render(method), colMethod),
				padRight(stStyle.Render(status), colStatus),
				padLeft(bold.Render(dur), colDuration),
				padLeft(bold.Render(t), colTime),
			))
			continue
		}
		rows = append(rows, fmt.Sprintf("%s  %-*s %-*s %s %*s %*s",
			padRight(marker, 2),
			colAuthority, authority,
			colMethod, method,
			padRight(stStyle.Render(status), colStatus),
			colDuration, dur,
			colTime, t,
		))
	}

	box := titledBox(strings.Join(rows, "\n"), title, "", innerWidth)
	preview := m.renderPreview(innerWidth)

	var footer string
	switch {
	case m.searchMode:
		footer = fmt.Sprintf("  / %s█", m.searchQuery)
	case m.status != "":
		footer = "  " + m.status
	default:
		footer = "  q: quit  j/k: navigate  enter: inspect  /: search  s: sort  e: errors  a: analytics  x/X: export"
		if m.searchQuery != "" {
			footer += "  esc: clear filter"
		}
	}

	return strings.Join([]string{box, preview, footer}, "\n")
}

// renderPreview renders the bottom preview pane.
func (m Model) renderPreview(innerWidth int) string {
	c := m.cursorCall()
	if c == nil {
		return ""
	}

	lines := []string{
		"Method:    " + c.Method,
		"Authority: " + c.Authority,
		"Status:    " + statusString(*c),
		"Duration:  " + formatDuration(*c),
		fmt.Sprintf("Messages:  %d in, %d out", c.Inputs, c.Outputs),
	}
	if c.ServerRule != "" {
		lines = append(lines, "Rule:      "+c.ServerRule)
	}
	if c.Message != "" {
		lines = append(lines, "Message:   "+c.Message)
	}

	return titledBox(strings.Join(lines, "\n"), "", "", innerWidth)
}

// renderInspector renders the full-screen inspector view.
func (m Model) renderInspector() string {
	innerWidth := max(m.width-4, 20)
	visibleRows := max(m.height-2, 3)

	lines := m.inspectLines()

	maxScroll := max(len(lines)-visibleRows, 0)
	scroll := min(m.inspectScroll, maxScroll)
	end := min(scroll+visibleRows, len(lines))

	return titledBox(
		strings.Join(lines[scroll:end], "\n"),
		" Inspector ",
		" q: back  j/k: scroll  r: refresh ",
		innerWidth,
	)
}

func (m Model) inspectLines() []string {
	switch {
	case m.detailErr != nil:
		return []string{"Error: " + m.detailErr.Error()}
	case m.detail == nil:
		return []string{"Loading " + m.detailID + "..."}
	}

	v := m.detail
	lines := []string{
		"Method:    " + v.Method,
		"Authority: " + v.Authority,
	}
	if v.Upstream != "" && v.Upstream != v.Authority {
		lines = append(lines, "Upstream:  "+v.Upstream)
	}
	if v.ServerRule != "" {
		lines = append(lines, "Rule:      "+v.ServerRule)
	}
	schemaLine := "Schema:    " + v.Schema
	if v.SchemaError != "" {
		schemaLine += " (" + v.SchemaError + ")"
	}
	lines = append(lines,
		schemaLine,
		"Status:    "+statusString(v.Summary),
		"Duration:  "+formatDuration(v.Summary),
		"Time:      "+formatTime(v.StartTime),
		"ID:        "+v.ID,
	)

	for _, ev := range v.Events {
		lines = append(lines, "", fmt.Sprintf("── #%d %s %s ──", ev.Seq, ev.Kind, formatTime(ev.Time)))
		lines = append(lines, metadataLines(ev.Metadata)...)
		lines = append(lines, bodyLines(ev.Body)...)
		lines = append(lines, ruleLines(ev.Rules)...)
		if l := closeLine(ev); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func (m Model) updateInspect(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m.quit()
	case "q", "esc":
		m.view = viewList
		m.detailID = ""
		m.detail = nil
		m = m.refresh()
		return m, nil
	case "r":
		if m.client == nil || m.detailID == "" {
			return m, nil
		}
		return m, fetchDetail(m.client, m.detailID)
	case "j", "down":
		maxScroll := max(len(m.inspectLines())-(m.height-2), 0)
		if m.inspectScroll < maxScroll {
			m.inspectScroll++
		}
		return m, nil
	case "k", "up":
		if m.inspectScroll > 0 {
			m.inspectScroll--
		}
		return m, nil
	}
	return m, nil
}
