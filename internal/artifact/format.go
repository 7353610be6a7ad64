package artifact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Formatter renders a workflow's output map to the single display string
// written into the result artifact.
type Formatter func(outputs map[string]any) string

// systemFields are run metadata some workflow services mix into their
// output payloads; they carry no row content and are skipped.
var systemFields = map[string]struct{}{
	"id":           {},
	"workflow_id":  {},
	"status":       {},
	"error":        {},
	"elapsed_time": {},
	"total_tokens": {},
	"total_steps":  {},
	"created_at":   {},
	"finished_at":  {},
}

// DefaultFormatter renders outputs the way most workflows shape them: a
// plain "output" field wins, a nested "outputs" wrapper is unwrapped, and
// otherwise all non-metadata values are joined line by line in key order.
func DefaultFormatter(outputs map[string]any) string {
	if len(outputs) == 0 {
		return ""
	}

	if v, ok := outputs["output"]; ok {
		return renderValue(v)
	}
	if nested, ok := outputs["outputs"].(map[string]any); ok {
		return DefaultFormatter(nested)
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		if _, skip := systemFields[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, renderValue(outputs[k]))
	}
	return strings.Join(parts, "\n")
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
