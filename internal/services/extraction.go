package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var extractionSchema = jsonschema.MustCompileString("extraction.json", `{
	"oneOf": [
		{"type": "object"},
		{"type": "array", "minItems": 1, "items": {"type": "object"}}
	]
}`)

// parseExtraction is the trust boundary for extractor output. It accepts a
// JSON object or an array of objects, merges the objects key-wise and returns
// a value for every requested field, "N/A" when none was found.
func parseExtraction(raw string, fields []string) (map[string]string, error) {
	text := gcp.StripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty extraction", ErrMalformedOutput)
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := extractionSchema.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, verr.Message)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var objects []map[string]any
	switch t := v.(type) {
	case map[string]any:
		objects = []map[string]any{t}
	case []any:
		for _, item := range t {
			objects = append(objects, item.(map[string]any))
		}
	}

	merged := mergeObjects(objects)
	return resolveFields(merged, fields), nil
}

// mergeObjects folds fragments into one map. A later fragment only replaces
// an earlier value when the earlier one is absent.
func mergeObjects(objects []map[string]any) map[string]string {
	merged := make(map[string]string)
	for _, obj := range objects {
		for k, raw := range obj {
			value := stringify(raw)
			existing, ok := merged[k]
			if !ok || (kpi.IsAbsent(existing) && !kpi.IsAbsent(value)) {
				merged[k] = value
			}
		}
	}
	return merged
}

// resolveFields looks every requested field up exactly, then by its sanitized
// form, so "Total Amount" matches an answer keyed "total_amount" or "TotalAmount".
func resolveFields(merged map[string]string, fields []string) map[string]string {
	bySanitized := make(map[string]string, len(merged))
	for k, v := range merged {
		key := strings.ReplaceAll(kpi.Sanitize(k), "_", "")
		if existing, ok := bySanitized[key]; !ok || (kpi.IsAbsent(existing) && !kpi.IsAbsent(v)) {
			bySanitized[key] = v
		}
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := merged[f]; ok {
			out[f] = v
			continue
		}
		if v, ok := bySanitized[strings.ReplaceAll(kpi.Sanitize(f), "_", "")]; ok {
			out[f] = v
			continue
		}
		out[f] = kpi.NotAvailable
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return kpi.NotAvailable
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return kpi.NotAvailable
		}
		return string(b)
	}
}
