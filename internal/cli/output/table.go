package output

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// TableRenderer is implemented by types that can render themselves as a table.
type TableRenderer interface {
	// Headers returns the column headers for the table.
	Headers() []string
	// Rows returns the data rows for the table.
	Rows() [][]string
}

// newTable returns a borderless, left-aligned table writer.
func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// PrintTable writes data as a formatted table to the writer.
func PrintTable(w io.Writer, data TableRenderer) error {
	table := newTable(w)
	table.SetHeader(data.Headers())
	table.SetAutoFormatHeaders(true)
	table.SetColumnSeparator("")
	table.AppendBulk(data.Rows())
	table.Render()
	return nil
}

// Section is a titled list of key/value lines, e.g. one block of a status
// report.
type Section struct {
	Title string
	pairs [][]string
}

// NewSection creates an empty section.
func NewSection(title string) *Section {
	return &Section{Title: title}
}

// Add appends a line. Values are formatted with %v.
func (s *Section) Add(key string, value any) *Section {
	s.pairs = append(s.pairs, []string{key, fmt.Sprint(value)})
	return s
}

// Len returns the number of lines.
func (s *Section) Len() int {
	return len(s.pairs)
}

// PrintSections writes each non-empty section as a heading followed by
// aligned "key: value" lines.
func PrintSections(w io.Writer, sections ...*Section) error {
	for _, s := range sections {
		if s == nil || s.Len() == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "\n%s\n", s.Title); err != nil {
			return err
		}

		table := newTable(w)
		table.SetAutoFormatHeaders(false)
		table.SetColumnSeparator(":")
		for _, pair := range s.pairs {
			table.Append([]string{"  " + pair[0], pair[1]})
		}
		table.Render()
	}
	_, err := fmt.Fprintln(w)
	return err
}
