package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from the row
	Width  int    // calculated width
}

// RenderTable writes rows as aligned columns sized to their widest cell.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range rows {
			if value, ok := row[columns[i].Key]; ok {
				if dw := displayWidth(fmt.Sprintf("%v", value)); dw > columns[i].Width {
					columns[i].Width = dw
				}
			}
		}
	}

	header := make([]string, 0, len(columns))
	separator := make([]string, 0, len(columns))
	for _, col := range columns {
		header = append(header, padToWidth(col.Header, col.Width))
		separator = append(separator, strings.Repeat("-", col.Width))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(separator, " "))

	for _, row := range rows {
		parts := make([]string, 0, len(columns))
		for _, col := range columns {
			value := ""
			if v, ok := row[col.Key]; ok {
				value = fmt.Sprintf("%v", v)
			}
			parts = append(parts, padToWidth(value, col.Width))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}
}

// removeANSICodes strips color escape sequences so colored cells align.
func removeANSICodes(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(removeANSICodes(s)))
}

func padToWidth(s string, width int) string {
	if dw := displayWidth(s); dw < width {
		return s + strings.Repeat(" ", width-dw)
	}
	return s
}
