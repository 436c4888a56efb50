package toolschema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidArguments is wrapped by every argument validation failure.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Validator is a compiled parameter schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// Compile compiles a parameter schema. A nil or empty schema compiles to a
// validator that accepts everything.
func Compile(schema map[string]any) (*Validator, error) {
	if len(schema) == 0 {
		return &Validator{}, nil
	}
	norm, err := Normalize(schema)
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(norm))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks args against the schema. Failures wrap ErrInvalidArguments
// and list every violation.
func (v *Validator) Validate(args map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}

// ValidateArgs compiles schema and validates args in one step.
func ValidateArgs(schema, args map[string]any) error {
	v, err := Compile(schema)
	if err != nil {
		return err
	}
	return v.Validate(args)
}
