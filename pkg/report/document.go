package report

import (
	"fmt"
	"strings"
)

// Record is one report row keyed by header name.
type Record map[string]string

// ParseTSV parses a tab-separated report document. The first non-blank line
// is the header; each following non-blank line becomes a Record with cells
// mapped by position. Missing trailing cells are empty strings and extra
// cells are dropped. At least one data line is required.
func ParseTSV(data []byte) ([]string, []Record, error) {
	var header []string
	var records []Record

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		cells := strings.Split(line, "\t")
		if header == nil {
			header = cells
			continue
		}

		record := make(Record, len(header))
		for i, name := range header {
			if i < len(cells) {
				record[name] = cells[i]
			} else {
				record[name] = ""
			}
		}
		records = append(records, record)
	}

	if header == nil {
		return nil, nil, fmt.Errorf("%w: empty document", ErrInvalidReportData)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%w: document has a header but no data lines", ErrInvalidReportData)
	}
	return header, records, nil
}
