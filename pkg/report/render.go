package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorBorder = lipgloss.Color("#30363d")
	colorHeader = lipgloss.Color("#58a6ff")
	colorMuted  = lipgloss.Color("#8b949e")
	colorHot    = lipgloss.Color("#f85149")

	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorHeader).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	zeroStyle   = numberStyle.Foreground(colorMuted)
	splitStyle  = numberStyle.Foreground(colorHot)
)

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder))
}

func countsTable(counts []Count, withRows bool) *table.Table {
	headers := []string{"Name", "Count"}
	if withRows {
		headers = append(headers, "Rows")
	}
	t := newTable().Headers(headers...).StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case col == 0:
			return cellStyle
		}
		return numberStyle
	})
	for _, c := range counts {
		cells := []string{c.Name, strconv.Itoa(c.Count)}
		if withRows {
			cells = append(cells, strconv.Itoa(c.Rows))
		}
		t.Row(cells...)
	}
	return t
}

// Render writes the flag summary as terminal tables.
func (s *FlagSummary) Render(w io.Writer) error {
	out := fmt.Sprintf("Number of unique responses flagged: %d out of %d\n", s.FlaggedRows, s.Rows)
	out += titleStyle.Render("Flags") + "\n" + countsTable(s.Flags, false).Render() + "\n"
	if len(s.Groups) > 0 {
		out += titleStyle.Render("Flag Groups") + "\n" + countsTable(s.Groups, true).Render() + "\n"
	}
	if len(s.Absent) > 0 {
		out += lipgloss.NewStyle().Foreground(colorMuted).Render(fmt.Sprintf("Not applied: %v", s.Absent)) + "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}

// RenderClassification writes classification counts as a terminal table.
func RenderClassification(w io.Writer, column string, counts []Count) error {
	out := titleStyle.Render("Response classification: "+column) + "\n" + countsTable(counts, false).Render() + "\n"
	_, err := io.WriteString(w, out)
	return err
}

// Render writes the matrix as a terminal table. Classification columns and
// rows are set off in a distinct colour.
func (m *Matrix) Render(w io.Writer, title string) error {
	t := newTable().Headers(append([]string{""}, m.Labels...)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return headerStyle.Align(lipgloss.Left)
			}
			r, c := row, col-1
			if r < len(m.Values) && c < len(m.Values[r]) && m.Values[r][c] == 0 {
				return zeroStyle
			}
			if r >= m.Split || c >= m.Split {
				return splitStyle
			}
			return numberStyle
		})
	for i, values := range m.Values {
		cells := make([]string, 0, len(values)+1)
		cells = append(cells, m.Labels[i])
		for _, n := range values {
			cells = append(cells, strconv.Itoa(n))
		}
		t.Row(cells...)
	}
	_, err := io.WriteString(w, titleStyle.Render(title)+"\n"+t.Render()+"\n")
	return err
}
