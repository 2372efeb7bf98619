package output

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

type versionsResult []uint64

func (v versionsResult) Table() *Table {
	t := NewTable("VERSION")
	for _, n := range v {
		t.AddRow(fmt.Sprintf("v%d", n))
	}
	return t
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewFormatter(t *testing.T) {
	if _, ok := NewFormatter(FormatJSON).(*JSONFormatter); !ok {
		t.Error("expected JSONFormatter")
	}
	if _, ok := NewFormatter(FormatYAML).(*YAMLFormatter); !ok {
		t.Error("expected YAMLFormatter")
	}
	if _, ok := NewFormatter("unknown").(*TableFormatter); !ok {
		t.Error("expected TableFormatter by default")
	}
}

func TestTable_Render(t *testing.T) {
	table := NewTable("KEY", "VALUE")
	table.AddRow("alpha", "1")
	table.AddRow("b", "")

	var buf bytes.Buffer
	if err := table.Render(&buf); err != nil {
		t.Fatalf("Render error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "KEY") || !strings.Contains(lines[0], "VALUE") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasSuffix(lines[2], "-") {
		t.Errorf("empty cell should print as '-', got %q", lines[2])
	}
}

func TestTableFormatter(t *testing.T) {
	t.Run("tabular", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TableFormatter{}).Format(&buf, versionsResult{1, 2}); err != nil {
			t.Fatalf("Format error = %v", err)
		}
		if !strings.Contains(buf.String(), "VERSION") || !strings.Contains(buf.String(), "v2") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("no headers", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TableFormatter{NoHeaders: true}).Format(&buf, versionsResult{1}); err != nil {
			t.Fatalf("Format error = %v", err)
		}
		if strings.Contains(buf.String(), "VERSION") {
			t.Errorf("headers should be omitted, got %q", buf.String())
		}
	})

	t.Run("falls back to json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TableFormatter{}).Format(&buf, map[string]int{"keys": 3}); err != nil {
			t.Fatalf("Format error = %v", err)
		}
		if !strings.Contains(buf.String(), `"keys": 3`) {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("nil", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&TableFormatter{}).Format(&buf, nil); err != nil || buf.Len() != 0 {
			t.Errorf("Format(nil) = %q, %v", buf.String(), err)
		}
	})
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	data := struct {
		Version uint64 `json:"version"`
	}{Version: 7}
	if err := (&JSONFormatter{}).Format(&buf, data); err != nil {
		t.Fatalf("Format error = %v", err)
	}
	if !strings.Contains(buf.String(), `"version": 7`) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestYAMLFormatter(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		var buf bytes.Buffer
		data := struct {
			NodeID string `json:"node_id"`
		}{NodeID: "n1"}
		if err := (&YAMLFormatter{}).Format(&buf, data); err != nil {
			t.Fatalf("Format error = %v", err)
		}
		if !strings.Contains(buf.String(), "node_id: n1") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("list is wrapped", func(t *testing.T) {
		var buf bytes.Buffer
		if err := (&YAMLFormatter{}).Format(&buf, []int{1, 2}); err != nil {
			t.Fatalf("Format error = %v", err)
		}
		if !strings.HasPrefix(buf.String(), "items:") {
			t.Errorf("output = %q", buf.String())
		}
	})
}
