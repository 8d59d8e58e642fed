// Package report renders change history, context summaries and query
// results for terminals.
package report

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pmezard/go-difflib/difflib"

	"flippio/internal/device"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/query"
)

// Cells longer than this are truncated in tables.
const maxCell = 48

// Printer writes human-readable reports to w.
type Printer struct {
	w     io.Writer
	color bool

	title  lipgloss.Style
	muted  lipgloss.Style
	add    lipgloss.Style
	remove lipgloss.Style
}

// New returns a Printer. With color set, titles and diffs are styled.
func New(w io.Writer, color bool) *Printer {
	return &Printer{
		w:      w,
		color:  color,
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#25A065")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		add:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		remove: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

func (p *Printer) paint(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatValue renders a column value on one line.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(x)
	case []byte:
		return "x'" + base64.StdEncoding.EncodeToString(x) + "'"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string) string {
	if r := []rune(s); len(r) > maxCell {
		return string(r[:maxCell-1]) + "…"
	}
	return s
}

func formatIdentity(id map[string]any) string {
	if len(id) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(id))
	for _, k := range slices.Sorted(maps.Keys(id)) {
		parts = append(parts, k+"="+FormatValue(id[k]))
	}
	return strings.Join(parts, ",")
}

func describe(e *history.ChangeEvent) string {
	switch op := e.Operation.(type) {
	case history.BulkInsert:
		return fmt.Sprintf("%d rows", op.Count)
	case history.BulkUpdate:
		return fmt.Sprintf("%d rows", op.Count)
	case history.BulkDelete:
		return fmt.Sprintf("%d rows", op.Count)
	case history.Revert:
		if n := len(op.CascadeRevertedIDs); n > 0 {
			return fmt.Sprintf("reverts %s (+%d cascaded)", op.OriginalChangeID, n)
		}
		return "reverts " + op.OriginalChangeID
	}
	names := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		names = append(names, c.FieldName)
	}
	return strings.Join(names, ",")
}

// History writes events as a table, in the order given.
func (p *Printer) History(events []*history.ChangeEvent) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(p.w, p.paint(p.muted, "No changes recorded."))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tTABLE\tROW\tFIELDS\tID")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Operation.Kind(),
			e.TableName,
			truncate(formatIdentity(e.RowIdentifier)),
			truncate(describe(e)),
			e.ID,
		)
	}
	return tw.Flush()
}

// Summaries writes one line per context.
func (p *Printer) Summaries(summaries []history.ContextSummary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(p.w, p.paint(p.muted, "No contexts with recorded changes."))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tDEVICE\tAPP\tDATABASE\tCHANGES\tLAST CHANGE")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ContextKey, orDash(s.DeviceName), orDash(s.AppName), s.DatabaseFilename,
			s.TotalChanges, s.LastChangeTime.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

// Devices writes the reachable devices.
func (p *Printer) Devices(devices []device.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(p.w, p.paint(p.muted, "No devices found."))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, orDash(d.Name), d.Type, orDash(d.State))
	}
	return tw.Flush()
}

// Schema writes the applied and pending schema versions of a ledger.
func (p *Printer) Schema(s *ledger.SchemaStatus) error {
	state := "up to date"
	if !s.UpToDate() {
		state = fmt.Sprintf("%d pending", len(s.Pending))
	}
	fmt.Fprintf(p.w, "%s version %d of %d (%s)\n", p.paint(p.title, "ledger schema"), s.Current, s.Latest, state)

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
	for _, v := range s.Applied {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", v.Version, v.AppliedAt.Local().Format("2006-01-02 15:04:05"), v.Description)
	}
	for _, v := range s.Pending {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", v.Version, "pending", v.Description)
	}
	return tw.Flush()
}

// Result writes the rows of a query result, or the affected row count for
// statements that return none.
func (p *Printer) Result(res *query.Result) error {
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintf(p.w, "%d rows affected\n", res.RowsAffected)
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	cells := make([]string, len(res.Columns))
	for _, row := range res.Rows {
		for i, c := range res.Columns {
			cells[i] = truncate(FormatValue(row[c]))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.w, p.paint(p.muted, fmt.Sprintf("(%d rows)", len(res.Rows))))
	return err
}

// Event writes one event with every field change.
func (p *Printer) Event(e *history.ChangeEvent) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s on %s\n", p.paint(p.title, string(e.Operation.Kind())), e.ID, e.TableName)
	fmt.Fprintf(&b, "  time:     %s\n", e.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(&b, "  context:  %s\n", e.ContextKey)
	fmt.Fprintf(&b, "  database: %s\n", e.DatabasePath)
	if d := e.UserContext.Device; d.DeviceID != "" {
		fmt.Fprintf(&b, "  device:   %s (%s)\n", orDash(d.DeviceName), d.DeviceID)
	}
	if len(e.RowIdentifier) > 0 {
		fmt.Fprintf(&b, "  row:      %s\n", formatIdentity(e.RowIdentifier))
	}
	if e.Metadata.SQLStatement != "" {
		fmt.Fprintf(&b, "  sql:      %s\n", p.paint(p.muted, e.Metadata.SQLStatement))
	}
	if _, ok := e.Operation.(history.Revert); ok {
		fmt.Fprintf(&b, "  %s\n", describe(e))
	}
	for _, c := range e.Changes {
		fmt.Fprintf(&b, "  %s (%s)\n", c.FieldName, orDash(c.DataType))
		for _, line := range strings.Split(strings.TrimRight(FieldDiff(c), "\n"), "\n") {
			b.WriteString("    " + p.paintDiffLine(line) + "\n")
		}
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *Printer) paintDiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
		return p.paint(p.muted, line)
	case strings.HasPrefix(line, "+"):
		return p.paint(p.add, line)
	case strings.HasPrefix(line, "-"):
		return p.paint(p.remove, line)
	}
	return line
}

// FieldDiff renders one field change. Multi-line text values get a unified
// diff; everything else is shown as old and new values.
func FieldDiff(c history.FieldChange) string {
	oldText, oldOK := c.OldValue.(string)
	newText, newOK := c.NewValue.(string)
	if oldOK && newOK && (strings.Contains(oldText, "\n") || strings.Contains(newText, "\n")) {
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(oldText),
			B:        difflib.SplitLines(newText),
			FromFile: "old",
			ToFile:   "new",
			Context:  2,
		})
		if err == nil && text != "" {
			return text
		}
	}
	return "- " + FormatValue(c.OldValue) + "\n+ " + FormatValue(c.NewValue) + "\n"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
