package toolloop

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
)

// Arguments binds tool arguments to T: it owns the JSON Schema shown to the model and
// checks incoming argument objects against that same schema before decoding them.
// Use it directly in custom Tool implementations; NewTool uses it internally.
type Arguments[T any] struct {
	schemaMap map[string]any
	resolved  *jsonschema.Resolved
}

// NewArguments reflects T. The root of T's schema must be an object (a struct or a map).
func NewArguments[T any](strict bool) (*Arguments[T], error) {
	schemaMap, resolved, err := generateSchema[T](strict)
	if err != nil {
		return nil, err
	}
	if !isObjectRoot(schemaMap) {
		return nil, &ConfigError{Field: reflect.TypeFor[T]().String(), Message: "tool arguments must be an object type"}
	}
	return &Arguments[T]{schemaMap: schemaMap, resolved: resolved}, nil
}

// Schema returns a shallow copy of the JSON Schema. Nested maps are shared; do not mutate them.
func (a *Arguments[T]) Schema() map[string]any {
	return maps.Clone(a.schemaMap)
}

// Parse decodes args into T after checking them against the schema, then runs Validatable.
// Every failure is a ToolExecutionError with Input set; the offending parameter is named when known.
func (a *Arguments[T]) Parse(args json.RawMessage) (T, error) {
	var zero T
	obj, err := decodeObject(args)
	if err != nil {
		return zero, err
	}
	if err := validateArguments(a.schemaMap, a.resolved, obj); err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(normalizeArguments(args), &out); err != nil {
		return zero, inputError("", "", "decode arguments: "+err.Error(), err)
	}
	if err := runCustomValidation(out); err != nil {
		return zero, err
	}
	return out, nil
}

// runCustomValidation calls Validate on args, or on &args when only the pointer implements Validatable.
func runCustomValidation[T any](args T) error {
	if _, ok := any(args).(Validatable); ok {
		return validateCustom(any(args))
	}
	typ := reflect.TypeOf(args)
	if typ == nil || typ.Kind() == reflect.Pointer {
		return nil
	}
	return validateCustom(any(&args))
}

// normalizeArguments maps an absent or null payload to the empty object.
func normalizeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

// decodeObject requires args to be a JSON object and returns it decoded.
func decodeObject(args json.RawMessage) (map[string]any, error) {
	args = normalizeArguments(args)
	if args[0] != '{' {
		return nil, inputError("", "", "arguments must be a JSON object", nil)
	}
	var obj map[string]any
	if err := json.Unmarshal(args, &obj); err != nil {
		return nil, inputError("", "", "invalid arguments JSON: "+err.Error(), err)
	}
	return obj, nil
}
