package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "table", want: FormatTable},
		{input: "", want: FormatTable},
		{input: "JSON", want: FormatJSON},
		{input: "yaml", want: FormatYAML},
		{input: "yml", want: FormatYAML},
		{input: "  table  ", want: FormatTable},
		{input: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type deviceRows []struct{ busID, state string }

func (d deviceRows) Headers() []string { return []string{"BUSID", "STATE"} }
func (d deviceRows) Rows() [][]string {
	rows := make([][]string, 0, len(d))
	for _, r := range d {
		rows = append(rows, []string{r.busID, r.state})
	}
	return rows
}

func TestPrinterFormats(t *testing.T) {
	data := deviceRows{{"1-1", "available"}, {"1-2", "exported"}}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Print(data))
	out := buf.String()
	assert.Contains(t, out, "BUSID")
	assert.Contains(t, out, "1-2")
	assert.Contains(t, out, "exported")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON, false).Print(map[string]int{"pending": 3}))
	assert.JSONEq(t, `{"pending": 3}`, buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatYAML, false).Print(map[string]string{"busid": "1-1"}))
	assert.Equal(t, "busid: 1-1\n", buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatTable, false).Print([]string{"no", "table"}))
	assert.JSONEq(t, `["no", "table"]`, buf.String())
}

func TestPrinterColor(t *testing.T) {
	saved := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = saved })

	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable, true)
	p.Success("ok")
	assert.Equal(t, "\x1b[32mok\x1b[0m\n", buf.String())

	assert.Contains(t, p.State("attached"), "\x1b[32m")
	assert.Contains(t, p.State("exported"), "\x1b[33m")
	assert.Contains(t, p.State("lost"), "\x1b[31m")

	buf.Reset()
	plain := NewPrinter(&buf, FormatTable, false)
	plain.Error("boom")
	plain.Warning("careful")
	assert.Equal(t, "boom\ncareful\n", buf.String())
	assert.Equal(t, "attached", plain.State("attached"))
}

func TestTableData(t *testing.T) {
	td := NewTableData("BUSID", "VID:PID")
	td.AddRow("1-1", "1209:0001")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, td))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "1209:0001")
}

func TestKeyValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, KeyValues(&buf, [][2]string{{"Version", "1.0"}, {"Backend", "memory"}}))
	assert.Contains(t, buf.String(), "Version")
	assert.Contains(t, buf.String(), "memory")
}
