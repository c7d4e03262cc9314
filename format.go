package toolloop

import (
	"bytes"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
)

// FormatType is the kind of final answer requested from the model.
type FormatType string

const (
	FormatText       FormatType = "text"
	FormatJSONSchema FormatType = "json_schema"
)

// Format is the target shape of the final answer: an object-rooted JSON Schema and its name.
// It is derived once per run and reused for every round trip. Wrapped is true when a
// non-object schema was placed under the "value" property.
type Format struct {
	Type    FormatType
	Name    string
	Schema  map[string]any
	Strict  bool
	Wrapped bool
}

// IsText reports whether the format asks for free text.
func (f Format) IsText() bool { return f.Type == "" || f.Type == FormatText }

// TextFormat asks for a plain text answer.
func TextFormat() Format { return Format{Type: FormatText} }

// FormatFor reflects T into a strict structured-output Format. Non-object roots
// (strings, numbers, slices, enums) are wrapped.
func FormatFor[T any]() (Format, error) {
	schema, _, err := generateSchema[T](true)
	if err != nil {
		return Format{}, err
	}
	return FormatFromSchema(typeSchemaName(reflect.TypeFor[T]()), schema, true)
}

// FormatFromSchema builds a Format from a hand-written schema. The input is not mutated.
func FormatFromSchema(name string, schema map[string]any, strict bool) (Format, error) {
	s, err := cloneSchema(schema)
	if err != nil {
		return Format{}, &ConfigError{Field: "schema", Message: err.Error()}
	}
	if strict {
		applyStrictMode(s)
	}
	s, wrapped := WrapSchema(s)
	return Format{
		Type:    FormatJSONSchema,
		Name:    SanitizeSchemaName(name),
		Schema:  s,
		Strict:  strict,
		Wrapped: wrapped,
	}, nil
}

var schemaNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeSchemaName maps name onto [A-Za-z0-9_-]{1,64}, the form structured-output APIs accept.
func SanitizeSchemaName(name string) string {
	name = strings.Trim(schemaNameInvalid.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "response"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func typeSchemaName(t reflect.Type) string {
	for t != nil && (t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array) {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "response"
	}
	return t.Name()
}

// Unwrap decodes the final answer text into T. It first tries the wrapped form {"value": T},
// then T itself, so it accepts answers to wrapped and unwrapped formats alike. Fields next to
// "value" are ignored. When the format is known, UnwrapFormat avoids the guess.
func Unwrap[T any](text string) (T, error) {
	data := bytes.TrimSpace([]byte(text))
	if v, ok := unwrapEnvelope[T](data); ok {
		return v, nil
	}
	return decodeAnswer[T](text, data)
}

// UnwrapFormat decodes an answer produced for f. Answers to a wrapped format are read from
// their "value" property; answers to any other format are decoded into T as they are.
func UnwrapFormat[T any](f Format, text string) (T, error) {
	data := bytes.TrimSpace([]byte(text))
	if f.Wrapped {
		if v, ok := unwrapEnvelope[T](data); ok {
			return v, nil
		}
	}
	return decodeAnswer[T](text, data)
}

func unwrapEnvelope[T any](data []byte) (T, bool) {
	var v T
	var envelope struct {
		Value *json.RawMessage `json:"value"`
	}
	if json.Unmarshal(data, &envelope) != nil || envelope.Value == nil {
		return v, false
	}
	if json.Unmarshal(*envelope.Value, &v) != nil {
		return v, false
	}
	return v, true
}

func decodeAnswer[T any](text string, data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, &ParseError{Payload: text, Err: err}
	}
	return v, nil
}
