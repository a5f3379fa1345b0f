// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --output flag value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string { return string(f) }

// Printer writes results in one format. Color is applied to status words
// only in table mode.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a printer. Color is disabled when useColor is false or
// when fatih/color has detected a non-terminal (NO_COLOR, pipes).
func NewPrinter(out io.Writer, format Format, useColor bool) *Printer {
	return &Printer{out: out, format: format, color: useColor && !color.NoColor}
}

func (p *Printer) Format() Format    { return p.format }
func (p *Printer) Writer() io.Writer { return p.out }

// Print outputs data. Table mode needs a TableRenderer and falls back to
// JSON otherwise.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if r, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, r)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	default:
		return fmt.Errorf("unknown format: %s", p.format)
	}
}

func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *Printer) Success(msg string) { p.line(color.FgGreen, msg) }
func (p *Printer) Error(msg string)   { p.line(color.FgRed, msg) }
func (p *Printer) Warning(msg string) { p.line(color.FgYellow, msg) }

func (p *Printer) line(attr color.Attribute, msg string) {
	_, _ = fmt.Fprintln(p.out, p.Paint(attr, msg))
}

// Paint colors s when color is enabled.
func (p *Printer) Paint(attr color.Attribute, s string) string {
	if !p.color {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

// State colors a device or session state word: available and attached are
// green, exported and handshake yellow, anything else red.
func (p *Printer) State(state string) string {
	switch state {
	case "available", "attached", "running":
		return p.Paint(color.FgGreen, state)
	case "exported", "handshake":
		return p.Paint(color.FgYellow, state)
	default:
		return p.Paint(color.FgRed, state)
	}
}

// PrintJSON writes indented JSON.
func PrintJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// PrintYAML writes YAML with two-space indentation.
func PrintYAML(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}
