package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
)

// displayValue is the text shown for a cell: the formatted text when one is
// cached, otherwise the raw value.
func displayValue(c spreadsheet.Cell) string {
	if text, ok := c.Formatted(); ok {
		return text
	}
	v, ok := c.Value()
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strings.ToUpper(strconv.FormatBool(v))
	case time.Time:
		return v.Format(time.DateOnly)
	case *spreadsheet.SpreadsheetError:
		return v.Code()
	default:
		return fmt.Sprint(v)
	}
}

// cellRows lays delta cells out as address, formula, value rows. error rows
// carry the error message in a fourth column.
func cellRows(d *spreadsheet.Delta) [][]string {
	rows := make([][]string, 0, len(d.Cells))
	for _, c := range d.Cells {
		row := []string{c.Address.String(), c.Formula, displayValue(c), ""}
		if e, ok := c.Err(); ok {
			row[3] = e.Message
		}
		rows = append(rows, row)
	}
	return rows
}

func renderDelta(w io.Writer, title string, d *spreadsheet.Delta) error {
	rows := cellRows(d)
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render(title+": no cells"))
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CELL", "FORMULA", "VALUE", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 3:
				return cellStyle.Foreground(lipgloss.Color("#E74C3C"))
			default:
				return cellStyle
			}
		})
	_, err := fmt.Fprintf(w, "%s\n%s\n", headerStyle.Render(title), t.Render())
	return err
}

func renderUndefined(w io.Writer, labels []spreadsheet.LabelName) error {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Key()
	}
	_, err := fmt.Fprintln(w, errorStyle.Render("undefined labels: "+strings.Join(names, ", ")))
	return err
}
