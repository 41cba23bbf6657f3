// Package errs defines the error taxonomy shared by every facetag component.
// Errors carry a machine-readable Code so callers can decide whether a
// failure is fatal (config, collaborator init, store, io) or recoverable
// (a single embedding call).
package errs

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigInvalid Code = "config.validate.invalid_value"

	CodeCollaboratorInit  Code = "collaborator.init.failure"
	CodeCollaboratorEmbed Code = "collaborator.embed.failure"
	CodeCollaboratorCall  Code = "collaborator.call.failure"

	CodeStoreOpenFailure  Code = "store.open.failure"
	CodeStoreDatabase     Code = "store.database.failure"
	CodeStoreInvalidInput Code = "store.invalid_input"

	CodeIORead Code = "io.read.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldIdentity(value string) Attr {
	return Field("identity_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the Code recorded in the chain, or "" for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}
	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

// FieldsOf returns the structured context attached along the chain.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsConfig(err error) bool {
	return domain(CodeOf(err)) == "config"
}

func IsStore(err error) bool {
	return domain(CodeOf(err)) == "store"
}

func IsIO(err error) bool {
	return domain(CodeOf(err)) == "io" || HasCode(err, CodeStoreOpenFailure)
}

func IsCollaboratorInit(err error) bool {
	return HasCode(err, CodeCollaboratorInit)
}

// IsPerDetection reports whether err is a recoverable single-detection failure.
func IsPerDetection(err error) bool {
	return HasCode(err, CodeCollaboratorEmbed)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func domain(code Code) string {
	raw := string(code)
	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}
	return raw
}
