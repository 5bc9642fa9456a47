package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// compileSchema compiles a JSON Schema document held as a generic map.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}

	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaObj); err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compileSchema: %w", err)
	}
	return sch, nil
}

// cloneSchema returns a deep copy so callers cannot mutate registered schemas.
func cloneSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// validateArgs decodes raw arguments and checks them against sch.
// The returned violations cover every failing field, not just the first.
func validateArgs(sch *jsonschema.Schema, raw json.RawMessage) (map[string]any, []FieldViolation) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, []FieldViolation{{Field: "$", Message: "arguments are not valid JSON"}}
	}

	if sch != nil {
		if err := sch.Validate(doc); err != nil {
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				return nil, collectViolations(verr)
			}
			return nil, []FieldViolation{{Field: "$", Message: err.Error()}}
		}
	}

	args, ok := doc.(map[string]any)
	if !ok {
		return nil, []FieldViolation{{Field: "$", Message: "arguments must be a JSON object"}}
	}
	return args, nil
}

// collectViolations flattens a validation error tree into per-field entries.
func collectViolations(root *jsonschema.ValidationError) []FieldViolation {
	var out []FieldViolation
	seen := make(map[string]bool)
	add := func(field, msg string) {
		key := field + "\x00" + msg
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, FieldViolation{Field: field, Message: msg})
	}

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		switch k := e.ErrorKind.(type) {
		case *kind.Required:
			for _, m := range k.Missing {
				add(fieldPath(append(append([]string{}, e.InstanceLocation...), m)), "missing required property")
			}
		case *kind.AdditionalProperties:
			for _, p := range k.Properties {
				add(fieldPath(append(append([]string{}, e.InstanceLocation...), p)), "property is not allowed")
			}
		default:
			add(fieldPath(e.InstanceLocation), e.ErrorKind.LocalizedString(printer))
		}
	}
	walk(root)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func fieldPath(loc []string) string {
	if len(loc) == 0 {
		return "$"
	}
	return strings.Join(loc, ".")
}
