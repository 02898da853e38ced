package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// Format selects how a command result is encoded for the terminal.
type Format string

const (
	// FormatYAML is the default human-oriented encoding.
	FormatYAML Format = "yaml"
	// FormatJSON suits piping into jq and other tools.
	FormatJSON Format = "json"
	// FormatRaw passes strings and byte slices through untouched.
	FormatRaw Format = "raw"
)

// ParseFormat validates an --output flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatYAML, FormatJSON, FormatRaw:
		return Format(s), nil
	case "":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("cli: unknown output format %q (yaml, json, raw)", s)
	}
}

// Printer renders command results. The zero value prints YAML to stdout;
// commands that need a file redirect through the shell rather than a
// flag.
type Printer struct {
	Format Format
	Out    io.Writer
}

// Print encodes v in the printer's format.
func (p Printer) Print(v any) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	switch p.Format {
	case FormatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatRaw:
		switch data := v.(type) {
		case []byte:
			_, err := out.Write(data)
			return err
		case string:
			_, err := io.WriteString(out, data)
			return err
		}
		fallthrough
	case FormatYAML, "":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("cli: encode output: %w", err)
		}
		_, err = out.Write(data)
		return err
	default:
		return fmt.Errorf("cli: unknown output format %q", p.Format)
	}
}
