package toolloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArguments_Success(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int `json:"x"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	schema := binder.Schema()
	assert.Equal(t, "object", schema["type"])
}

func TestNewArguments_NonObjectRejected(t *testing.T) {
	t.Parallel()
	_, err := NewArguments[[]string](false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewArguments[int](false)
	require.Error(t, err)
}

func TestNewArguments_Strict(t *testing.T) {
	t.Parallel()
	type Args struct {
		A string `json:"a"`
		B int    `json:"b,omitempty"`
	}
	binder, err := NewArguments[Args](true)
	require.NoError(t, err)
	obj := findSchemaObject(binder.Schema())
	require.NotNil(t, obj, "expected object with properties in schema")
	assert.Equal(t, false, obj["additionalProperties"])
	// Strict mode makes even omitempty properties required.
	required, ok := obj["required"].([]any)
	require.True(t, ok, "strict schema must have required array")
	assert.Equal(t, []any{"a", "b"}, required)
}

func TestArguments_Parse_Success(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int    `json:"x"`
		S string `json:"s"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	args, err := binder.Parse([]byte(`{"x": 42, "s": "hello"}`))
	require.NoError(t, err)
	assert.Equal(t, 42, args.X)
	assert.Equal(t, "hello", args.S)
}

func TestArguments_Parse_InvalidJSON(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int `json:"x"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{invalid`))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
}

func TestArguments_Parse_NotAnObject(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int `json:"x,omitempty"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	for _, payload := range []string{`[1]`, `"x"`, `12`} {
		_, err = binder.Parse([]byte(payload))
		require.Error(t, err, payload)
		assert.True(t, IsInputError(err), payload)
	}
}

func TestArguments_Parse_EmptyMeansEmptyObject(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int `json:"x,omitempty"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	for _, payload := range []string{``, `null`, `  `} {
		args, err := binder.Parse([]byte(payload))
		require.NoError(t, err, payload)
		assert.Zero(t, args.X)
	}
}

func TestArguments_Parse_NamesParameter(t *testing.T) {
	t.Parallel()
	type Args struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)

	_, err = binder.Parse([]byte(`{"a": 1}`))
	require.Error(t, err)
	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Input)
	assert.Equal(t, "b", te.Parameter)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = binder.Parse([]byte(`{"a": "one", "b": 2}`))
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "a", te.Parameter)
}

func TestArguments_Parse_SchemaViolation(t *testing.T) {
	t.Parallel()
	type Args struct {
		Unit string `json:"unit" enum:"celsius,fahrenheit"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{"unit": "kelvin"}`))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
}

func TestArguments_Parse_StrictRejectsUnknown(t *testing.T) {
	t.Parallel()
	type Args struct {
		A string `json:"a"`
	}
	binder, err := NewArguments[Args](true)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{"a": "x", "extra": 1}`))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
}

func TestArguments_Parse_Validatable(t *testing.T) {
	t.Parallel()
	binder, err := NewArguments[validatableArgs](false)
	require.NoError(t, err)
	args, err := binder.Parse([]byte(`{"low": 1, "high": 10}`))
	require.NoError(t, err)
	assert.Equal(t, 1, args.Low)
	assert.Equal(t, 10, args.High)
	_, err = binder.Parse([]byte(`{"low": 10, "high": 5}`))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestArguments_Parse_ValidatablePointer(t *testing.T) {
	t.Parallel()
	binder, err := NewArguments[pointerValidatableArgs](false)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{"min": 1, "max": 10}`))
	require.NoError(t, err)
	// Pointer receiver Validate() is called too.
	_, err = binder.Parse([]byte(`{"min": 10, "max": 5}`))
	require.Error(t, err)
	assert.True(t, IsInputError(err))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestArguments_Schema_ReturnsCopy(t *testing.T) {
	t.Parallel()
	type Args struct {
		X int `json:"x"`
	}
	binder, err := NewArguments[Args](false)
	require.NoError(t, err)
	s1 := binder.Schema()
	s1["mutated"] = true
	_, ok := binder.Schema()["mutated"]
	assert.False(t, ok, "mutating returned map must not affect subsequent Schema()")
}

// inputErrValidatable returns a ToolExecutionError from Validate for passthrough test.
type inputErrValidatable struct {
	V int `json:"v"`
}

func (c inputErrValidatable) Validate() error {
	if c.V < 0 {
		return &ToolExecutionError{Parameter: "v", Message: "must be >= 0", Input: true, Err: ErrValidation}
	}
	return nil
}

func TestArguments_Parse_ValidatableInputErrorPassthrough(t *testing.T) {
	t.Parallel()
	binder, err := NewArguments[inputErrValidatable](false)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{"v": -1}`))
	require.Error(t, err)
	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "v", te.Parameter)
	assert.Equal(t, "must be >= 0", te.Message)
}

type countValidatable struct {
	X int `json:"x"`
}

var validateCallCount int

func (c countValidatable) Validate() error {
	validateCallCount++
	return nil
}

func TestArguments_Parse_ValidatableNotCalledTwice(t *testing.T) {
	validateCallCount = 0
	defer func() { validateCallCount = 0 }()
	binder, err := NewArguments[countValidatable](false)
	require.NoError(t, err)
	_, err = binder.Parse([]byte(`{"x": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, validateCallCount, "Validate() must be called exactly once")
}
