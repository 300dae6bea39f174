package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/beyondbrewing/brewkv/store"
)

// writeJSON writes v as one indented JSON document.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatRecord renders r as "k=v" pairs in field order.
func formatRecord(r store.Record) string {
	out := ""
	for i, k := range slices.Sorted(maps.Keys(r)) {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, r[k])
	}
	return out
}

// writeRecords prints records in the selected format.
func writeRecords(w io.Writer, format string, records []store.Record) error {
	if format == "json" {
		if records == nil {
			records = []store.Record{}
		}
		return writeJSON(w, records)
	}
	for _, r := range records {
		if _, err := fmt.Fprintln(w, formatRecord(r)); err != nil {
			return err
		}
	}
	return nil
}

// parseValue reads s as a JSON scalar when it is one and as a plain string
// otherwise, so that --value 35 finds numbers and --value Bill finds text.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, bool, string:
			return v
		}
	}
	return s
}
