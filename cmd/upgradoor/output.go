package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// printResult writes v in the selected --output format. text renders the
// human form.
func printResult(v any, text func(w io.Writer)) error {
	return writeResult(os.Stdout, outputFormat, v, text)
}

func writeResult(w io.Writer, format string, v any, text func(w io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case outputYAML:
		// Round-trip through JSON so YAML keys follow the json tags of the
		// store and kernel types.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}

		return enc.Close()
	default:
		text(w)

		return nil
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}

	return orDash(rev)
}
