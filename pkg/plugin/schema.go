package plugin

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// fieldSchema is a compiled input schema plus the defaults to apply before
// validation.
type fieldSchema struct {
	compiled *jsonschema.Schema
	defaults map[string]any
}

// jsonType maps the declared field type to its JSON Schema type keyword.
func jsonType(t models.FieldType) (string, error) {
	switch t {
	case models.FieldTypeString:
		return "string", nil
	case models.FieldTypeNumber:
		return "number", nil
	case models.FieldTypeBool:
		return "boolean", nil
	case models.FieldTypeList:
		return "array", nil
	case models.FieldTypeObject:
		return "object", nil
	}
	return "", fmt.Errorf("unknown field type %q", t)
}

// compileFieldSchema builds a JSON Schema document from the declared field
// specs and compiles it once at registration time.
func compileFieldSchema(fields map[string]models.FieldSpec) (*fieldSchema, error) {
	properties := make(map[string]any, len(fields))
	defaults := make(map[string]any)
	var required []any

	for name, spec := range fields {
		jt, err := jsonType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		prop := map[string]any{"type": jt}
		if len(spec.Enum) > 0 {
			enum := make([]any, len(spec.Enum))
			for i, v := range spec.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
		if spec.Default != nil {
			defaults[name] = spec.Default
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("inputs.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := c.Compile("inputs.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile input schema: %w", err)
	}
	return &fieldSchema{compiled: compiled, defaults: defaults}, nil
}

// apply fills declared defaults into a copy of the inputs and validates
// the result. Integers arriving as int are normalized to float64 so they
// validate as JSON numbers.
func (s *fieldSchema) apply(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(s.defaults))
	for k, v := range inputs {
		out[k] = normalizeJSON(v)
	}
	for k, v := range s.defaults {
		if _, ok := out[k]; !ok {
			out[k] = normalizeJSON(v)
		}
	}

	if err := s.compiled.Validate(any(out)); err != nil {
		return nil, taskerr.Wrap(taskerr.KindInvalidInput, err, "plugin inputs failed validation")
	}
	return out, nil
}

// normalizeJSON converts Go integer values into the float64 representation
// JSON decoding would have produced.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeJSON(e)
		}
		return out
	default:
		return v
	}
}

// CompileInputSchema compiles a free-form JSON Schema document, used for
// checkpoint input forms.
func CompileInputSchema(doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeJSON(doc)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
