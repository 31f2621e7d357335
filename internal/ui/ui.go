// Package ui renders blocks, stats and sync results for the terminal.
// Output to anything but a color-capable terminal is plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/prodline/blocktrack/internal/daemon"
	"github.com/prodline/blocktrack/internal/schema"
	"github.com/prodline/blocktrack/internal/syncer"
	"github.com/prodline/blocktrack/internal/tracker"
)

// Semantic colors.
var (
	colorAccent  = lipgloss.AdaptiveColor{Light: "#101F38", Dark: "#8BC34A"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6A737D", Dark: "#8B949E"}
	colorSuccess = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#E53935")
	colorWarning = lipgloss.Color("#FFC107")
)

// Styles is the palette bound to one renderer.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:   r.NewStyle().Bold(true).Foreground(colorAccent),
		Label:   r.NewStyle().Bold(true),
		Muted:   r.NewStyle().Foreground(colorMuted),
		Header:  r.NewStyle().Bold(true).Padding(0, 1),
		Cell:    r.NewStyle().Padding(0, 1),
		Success: r.NewStyle().Foreground(colorSuccess),
		Error:   r.NewStyle().Foreground(colorError).Bold(true),
		Warning: r.NewStyle().Foreground(colorWarning),
	}
}

// Printer writes styled output to one writer.
type Printer struct {
	out    io.Writer
	styles Styles
}

// New returns a Printer for w. Colors are enabled only when w is a
// terminal and NO_COLOR is unset.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	f, isFile := w.(*os.File)
	if !isFile || !term.IsTerminal(int(f.Fd())) || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{out: w, styles: newStyles(r)}
}

// NewPlain returns a Printer that never emits escape sequences.
func NewPlain(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.Ascii)
	return &Printer{out: w, styles: newStyles(r)}
}

// Styles exposes the palette for ad-hoc output.
func (p *Printer) Styles() Styles { return p.styles }

// Println writes a plain line.
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Successf writes a success line.
func (p *Printer) Successf(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.Success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warnf writes a warning line.
func (p *Printer) Warnf(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.Warning.Render("! "+fmt.Sprintf(format, args...)))
}

// StatusBadge renders a derived block status.
func (p *Printer) StatusBadge(s schema.Status) string {
	switch s {
	case schema.StatusCompleted:
		return p.styles.Success.Render(string(s))
	case schema.StatusError:
		return p.styles.Error.Render(string(s))
	default:
		return p.styles.Warning.Render(string(s))
	}
}

func (p *Printer) table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.Muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.styles.Header
			}
			return p.styles.Cell
		})
	return t.Render()
}

// Blocks prints one row per block.
func (p *Printer) Blocks(blocks []*schema.Block, status func(*schema.Block) schema.Status) {
	if len(blocks) == 0 {
		fmt.Fprintln(p.out, p.styles.Muted.Render("No blocks."))
		return
	}

	rows := make([][]string, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, []string{
			ShortID(b.ID),
			b.BlockNumber,
			b.ModelType,
			b.Operator,
			b.EffectiveDate().Local().Format("2006-01-02 15:04"),
			strconv.Itoa(len(b.Operations)),
			p.StatusBadge(status(b)),
			string(b.SyncStatus),
		})
	}
	fmt.Fprintln(p.out, p.table(
		[]string{"ID", "Number", "Model", "Operator", "Date", "Ops", "Status", "Sync"}, rows))
	fmt.Fprintln(p.out, p.styles.Muted.Render(fmt.Sprintf("%d block(s)", len(blocks))))
}

// Block prints a block with its operations.
func (p *Printer) Block(b *schema.Block, status schema.Status) {
	fmt.Fprintln(p.out, p.styles.Title.Render("Block "+b.BlockNumber))

	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(p.out, "  %s %s\n", p.styles.Label.Render(fmt.Sprintf("%-10s", label+":")), value)
	}
	field("ID", b.ID)
	field("Model", b.ModelType)
	field("Modem", b.ModemType)
	field("Execution", b.ExecutionType)
	field("Type", b.BlockType)
	field("MAC", b.MACAddress)
	field("Operator", b.Operator)
	field("Date", b.EffectiveDate().Local().Format(time.RFC3339))
	field("Status", p.StatusBadge(status))
	field("Sync", fmt.Sprintf("%s (v%d)", b.SyncStatus, b.ServerVersion))

	if len(b.Operations) == 0 {
		fmt.Fprintln(p.out, p.styles.Muted.Render("  No operations."))
		return
	}

	rows := make([][]string, 0, len(b.Operations))
	for _, op := range b.Operations {
		result := p.styles.Success.Render("ok")
		if !op.Success {
			result = p.styles.Error.Render("failed")
		}
		detail := op.Comment
		if op.ErrorCode != "" {
			detail = strings.TrimSpace(op.ErrorCode + " " + op.ErrorDescription)
		}
		rows = append(rows, []string{
			op.Timestamp.Local().Format("2006-01-02 15:04:05"),
			op.Name,
			result,
			op.Executor,
			FormatDuration(op.Duration()),
			detail,
		})
	}
	fmt.Fprintln(p.out, p.table(
		[]string{"Time", "Operation", "Result", "Executor", "Duration", "Detail"}, rows))
}

// Stats prints an aggregation report.
func (p *Printer) Stats(s *tracker.Stats) {
	window := "all time"
	switch {
	case !s.Start.IsZero() && !s.End.IsZero():
		window = s.Start.Local().Format(time.DateOnly) + " .. " + s.End.Local().Format(time.DateOnly)
	case !s.Start.IsZero():
		window = "since " + s.Start.Local().Format(time.DateOnly)
	case !s.End.IsZero():
		window = "until " + s.End.Local().Format(time.DateOnly)
	}
	fmt.Fprintln(p.out, p.styles.Title.Render("Operations ("+window+")"))
	fmt.Fprintf(p.out, "  Blocks: %d  Operations: %d  %s  %s  Avg: %s\n",
		s.TotalBlocks, s.TotalOperations,
		p.styles.Success.Render(fmt.Sprintf("ok %d", s.SuccessfulOperations)),
		p.styles.Error.Render(fmt.Sprintf("failed %d", s.FailedOperations)),
		FormatDuration(s.AverageDuration),
	)
	if s.TotalOperations == 0 {
		return
	}

	names := make([]string, 0, len(s.ByOperation))
	for name := range s.ByOperation {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		agg := s.ByOperation[name]
		rows = append(rows, []string{
			name,
			strconv.Itoa(agg.Total),
			strconv.Itoa(agg.Success),
			strconv.Itoa(agg.Failed),
			FormatDuration(agg.AverageDuration),
		})
	}
	fmt.Fprintln(p.out, p.table([]string{"Operation", "Total", "OK", "Failed", "Avg"}, rows))

	operators := make([]string, 0, len(s.ByOperator))
	for name := range s.ByOperator {
		operators = append(operators, name)
	}
	sort.Slice(operators, func(i, j int) bool {
		a, b := s.ByOperator[operators[i]], s.ByOperator[operators[j]]
		if a != b {
			return a > b
		}
		return operators[i] < operators[j]
	})
	rows = make([][]string, 0, len(operators))
	for _, name := range operators {
		rows = append(rows, []string{name, strconv.Itoa(s.ByOperator[name])})
	}
	fmt.Fprintln(p.out, p.table([]string{"Executor", "Operations"}, rows))
}

// Cycle prints the outcome of one sync cycle.
func (p *Printer) Cycle(res *syncer.CycleResult) {
	p.Successf("Synced in %s: sent %d block(s) %d op(s), received %d block(s) %d op(s)",
		FormatDuration(res.Duration),
		res.SentBlocks, res.SentOperations,
		res.ReceivedBlocks, res.ReceivedOperations,
	)
	m := res.Merge
	if m.Skipped > 0 || m.Orphaned > 0 {
		p.Warnf("merge: %d applied, %d deleted, %d skipped, %d orphaned",
			m.Applied, m.Deleted, m.Skipped, m.Orphaned)
	}
	if res.Rejected > 0 {
		p.Warnf("peer rejected %d block(s): block number already in use there, left pending", res.Rejected)
	}
}

// DaemonStatus prints the scheduler state.
func (p *Printer) DaemonStatus(st daemon.Status) {
	state := p.styles.Muted.Render(string(st.State))
	switch st.State {
	case daemon.SyncOK:
		state = p.styles.Success.Render(string(st.State))
	case daemon.SyncError:
		state = p.styles.Error.Render(string(st.State))
	}
	fmt.Fprintf(p.out, "%s %s\n", p.styles.Label.Render("Sync:"), state)
	if !st.LastSuccess.IsZero() {
		fmt.Fprintf(p.out, "  last success: %s\n", st.LastSuccess.Local().Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(p.out, "  last error:   %s (%d in a row)\n", st.LastError, st.ConsecutiveFailures)
	}
	fmt.Fprintf(p.out, "  next attempt: in %s\n", FormatDuration(st.NextDelay))
}

// ShortID abbreviates an id for tables.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatDuration rounds d for display; zero renders as "-".
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}
