package toolloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// wrapKey is the single property used to carry a non-object result inside an object-rooted schema.
const wrapKey = "value"

var (
	customTypesMu sync.RWMutex
	customTypes   = make(map[reflect.Type]*jsonschema.Schema)
)

// RegisterType maps a Go type to a JSON Schema type/format in generated schemas
// (tool arguments and response formats alike). emptyInstance must not be nil and jsonType must not be empty.
// Pointer fields (*T) use the same mapping as T. Call it at startup, before the first NewTool or FormatFor.
func RegisterType(emptyInstance any, jsonType, format string) {
	if emptyInstance == nil {
		panic("toolloop: RegisterType emptyInstance must not be nil")
	}
	if jsonType == "" {
		panic("toolloop: RegisterType jsonType must not be empty")
	}
	t := reflect.TypeOf(emptyInstance)
	s := &jsonschema.Schema{Type: jsonType, Format: format}
	customTypesMu.Lock()
	defer customTypesMu.Unlock()
	customTypes[t] = s
}

func buildTypeSchemas() map[reflect.Type]*jsonschema.Schema {
	customTypesMu.RLock()
	defer customTypesMu.RUnlock()
	out := make(map[reflect.Type]*jsonschema.Schema, len(customTypes))
	for t, s := range customTypes {
		if s != nil {
			out[t] = s.CloneSchemas()
		}
	}
	return out
}

// generateSchema reflects T into a schema map plus a resolved validator for it.
// strict closes every object and makes all of its properties required.
func generateSchema[T any](strict bool) (map[string]any, *jsonschema.Resolved, error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{TypeSchemas: buildTypeSchemas()})
	if err != nil {
		return nil, nil, err
	}
	if schema == nil {
		return nil, nil, errNilSchema
	}
	schemaMap, err := toMap(schema)
	if err != nil {
		return nil, nil, err
	}
	enrichSchemaFromStructTags(schemaMap, reflect.TypeFor[T]())
	if strict {
		applyStrictMode(schemaMap)
	}
	stripSchemaIDs(schemaMap)
	resolved, err := compileRawSchema(schemaMap)
	if err != nil {
		return nil, nil, err
	}
	return schemaMap, resolved, nil
}

// enrichSchemaFromStructTags copies `description` and `enum` struct tags onto root-level properties.
func enrichSchemaFromStructTags(schemaMap map[string]any, typ reflect.Type) {
	if schemaMap == nil || typ == nil {
		return
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return
	}
	props, ok := schemaMap["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return
	}
	byJSONName := make(map[string]reflect.StructField)
	for field := range typ.Fields() {
		name := strings.Split(field.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		byJSONName[name] = field
	}
	for key, val := range props {
		prop, ok := val.(map[string]any)
		if !ok {
			continue
		}
		field, ok := byJSONName[key]
		if !ok {
			continue
		}
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		if enumStr := field.Tag.Get("enum"); enumStr != "" {
			parts := strings.Split(enumStr, ",")
			enum := make([]any, len(parts))
			for i, p := range parts {
				enum[i] = strings.TrimSpace(p)
			}
			prop["enum"] = enum
		}
	}
}

// walkSchema visits every map node in the schema tree, including $defs and definitions.
func walkSchema(schemaMap map[string]any, visit func(map[string]any)) {
	if schemaMap == nil {
		return
	}
	visit(schemaMap)
	for _, val := range schemaMap {
		switch v := val.(type) {
		case map[string]any:
			walkSchema(v, visit)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					walkSchema(m, visit)
				}
			}
		}
	}
}

// applyStrictMode sets additionalProperties: false and lists every property in required,
// on every object node. Mutates schemaMap.
func applyStrictMode(schemaMap map[string]any) {
	walkSchema(schemaMap, func(n map[string]any) {
		props, ok := n["properties"].(map[string]any)
		if !ok {
			return
		}
		n["additionalProperties"] = false
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		if len(keys) == 0 {
			return
		}
		required := make([]any, len(keys))
		for i, k := range keys {
			required[i] = k
		}
		n["required"] = required
	})
}

// StrictSchema returns a deep copy of schema in strict form: every object is closed and
// every declared property is required. The input is not mutated.
func StrictSchema(schema map[string]any) (map[string]any, error) {
	out, err := cloneSchema(schema)
	if err != nil {
		return nil, err
	}
	applyStrictMode(out)
	return out, nil
}

// WrapSchema returns schema unchanged when its root type is "object"; otherwise it wraps it as
// {"type":"object","properties":{"value":schema},"required":["value"],"additionalProperties":false}.
// The second result reports whether wrapping happened.
func WrapSchema(schema map[string]any) (map[string]any, bool) {
	if isObjectRoot(schema) {
		return schema, false
	}
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{wrapKey: schema},
		"required":             []any{wrapKey},
		"additionalProperties": false,
	}, true
}

func isObjectRoot(schema map[string]any) bool {
	t, ok := schema["type"].(string)
	return ok && t == "object"
}

var errNilSchema = errors.New("schema reflection returned nil")

// compileRawSchema compiles a schema map into a resolved validator. The map is not mutated.
func compileRawSchema(schemaMap map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// stripSchemaIDs removes id and $id so resolution does not depend on them.
func stripSchemaIDs(schemaMap map[string]any) {
	walkSchema(schemaMap, func(n map[string]any) {
		delete(n, "id")
		delete(n, "$id")
	})
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func cloneSchema(schema map[string]any) (map[string]any, error) {
	if schema == nil {
		return nil, errors.New("schema map must not be nil")
	}
	out, err := toMap(schema)
	if err != nil {
		return nil, fmt.Errorf("copy schema: %w", err)
	}
	return out, nil
}

// checkParameters inspects the top level of an argument object against the schema and
// names the first missing required parameter or mistyped property. Nested structure is
// left to the resolved validator.
func checkParameters(schema map[string]any, args map[string]any) (string, string) {
	for _, r := range requiredNames(schema) {
		if _, ok := args[r]; !ok {
			return r, "missing required parameter"
		}
	}
	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if want := jsonTypes(prop["type"]); len(want) > 0 && !slices.Contains(want, jsonTypeOf(args[name])) {
			if jsonTypeOf(args[name]) == "integer" && slices.Contains(want, "number") {
				continue
			}
			return name, fmt.Sprintf("expected %s, got %s", strings.Join(want, " or "), jsonTypeOf(args[name]))
		}
	}
	return "", ""
}

func requiredNames(schema map[string]any) []string {
	switch r := schema["required"].(type) {
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return r
	}
	return nil
}

func jsonTypes(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// jsonTypeOf names the JSON type of a value decoded by encoding/json into any.
func jsonTypeOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if x == float64(int64(x)) {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "unknown"
}
