package testutil

import (
	"github.com/skosovsky/toolloop"
)

// NewTestRegistry returns a Registry with panic recovery holding tools. It panics on
// duplicate names, which is always a bug in the test itself.
func NewTestRegistry(tools ...toolloop.Tool) *toolloop.Registry {
	reg := toolloop.NewRegistry(toolloop.WithRecoverPanics(true))
	reg.MustRegister(tools...)
	return reg
}
