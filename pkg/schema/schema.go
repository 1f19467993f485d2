// Package schema provides request and response validation for inter-cell
// calls. The gateway is polymorphic over the Validator capability: any
// implementation checking a value against a declared shape satisfies it.
// The default implementation uses go-playground/validator struct tags.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Validator checks a value against an operation's declared shape.
type Validator interface {
	Validate(v any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(v any) error

func (f ValidatorFunc) Validate(v any) error { return f(v) }

// Spec declares the validators for one operation's two edges. Either may be
// nil, in which case that edge is not validated beyond the envelope shape.
// Request validators receive the outgoing payload; response validators
// receive the decoded *Envelope.
type Spec struct {
	Request  Validator
	Response Validator
}

// StructValidator validates struct payloads using validator/v10 tags.
// Non-struct values pass unchecked; operations exchanging free-form
// payloads can still rely on envelope validation.
type StructValidator struct {
	v *validator.Validate
}

// NewStructValidator creates a StructValidator with the default tag rules.
func NewStructValidator() *StructValidator {
	return &StructValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (s *StructValidator) Validate(v any) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return s.v.Struct(rv.Interface())
}

// DataAs returns a response Validator that decodes the envelope's data
// payload into T and validates it with sv. Decode failures and tag
// violations both fail validation.
func DataAs[T any](sv *StructValidator) Validator {
	return ValidatorFunc(func(v any) error {
		env, ok := v.(*Envelope)
		if !ok {
			return fmt.Errorf("expected *schema.Envelope, got %T", v)
		}
		var out T
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &out); err != nil {
				return fmt.Errorf("decoding response data: %w", err)
			}
		}
		return sv.Validate(&out)
	})
}
