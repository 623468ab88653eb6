package report

import (
	"errors"
	"testing"
)

func TestParseTSV(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantHeader  int
		wantRecords int
		wantErr     bool
	}{
		{"simple", "a\tb\n1\t2\n", 2, 1, false},
		{"crlf line endings", "a\tb\r\n1\t2\r\n3\t4\r\n", 2, 2, false},
		{"blank lines skipped", "a\tb\n\n1\t2\n   \n3\t4", 2, 2, false},
		{"leading blank line", "\na\tb\n1\t2\n", 2, 1, false},
		{"empty", "", 0, 0, true},
		{"whitespace only", "\n \n", 0, 0, true},
		{"header only", "a\tb\n", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, records, err := ParseTSV([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReportData) {
					t.Errorf("Expected ErrInvalidReportData, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(header) != tt.wantHeader || len(records) != tt.wantRecords {
				t.Errorf("header=%v records=%v", header, records)
			}
		})
	}
}

func TestParseTSV_RaggedRows(t *testing.T) {
	_, records, err := ParseTSV([]byte("a\tb\tc\n1\n1\t2\t3\t4\n"))
	if err != nil {
		t.Fatal(err)
	}

	if records[0]["a"] != "1" || records[0]["b"] != "" || records[0]["c"] != "" {
		t.Errorf("short row = %v", records[0])
	}
	if len(records[1]) != 3 || records[1]["c"] != "3" {
		t.Errorf("long row = %v", records[1])
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusDone, StatusFatal, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusSubmitted, StatusInProgress, StatusInQueue} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
