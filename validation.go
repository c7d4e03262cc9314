package toolloop

// Validatable is implemented by argument structs that need business validation
// after the schema check and decoding.
type Validatable interface {
	Validate() error
}

// schemaValidator validates a decoded JSON value. *jsonschema.Resolved implements it.
type schemaValidator interface {
	Validate(v any) error
}

// validateArguments names the offending top-level parameter when it can, and otherwise
// falls back to the full schema validator.
func validateArguments(schema map[string]any, validate schemaValidator, obj map[string]any) error {
	if param, msg := checkParameters(schema, obj); param != "" {
		return inputError("", param, msg, ErrValidation)
	}
	if validate == nil {
		return nil
	}
	if err := validate.Validate(obj); err != nil {
		return inputError("", "", err.Error(), ErrValidation)
	}
	return nil
}

func validateCustom(args any) error {
	v, ok := args.(Validatable)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return wrapValidationError(err)
	}
	return nil
}

func wrapValidationError(err error) error {
	if IsInputError(err) {
		return err
	}
	return &ToolExecutionError{Message: err.Error(), Input: true, Err: &validationCause{err: err}}
}

// validationCause keeps both ErrValidation and the original error reachable via errors.Is.
type validationCause struct{ err error }

func (c *validationCause) Error() string { return c.err.Error() }

func (c *validationCause) Unwrap() []error { return []error{ErrValidation, c.err} }
