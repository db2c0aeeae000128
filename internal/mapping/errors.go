package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMapping matches every *Error with errors.Is
var ErrMapping = errors.New("mapping error")

// Error reports bad or missing metadata for a type
type Error struct {
	Type    string
	Field   string
	Message string
	Hint    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("mapping error: ")
	if e.Type != "" {
		b.WriteString(e.Type)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Hint != "" {
		b.WriteString("\n  hint: ")
		b.WriteString(e.Hint)
	}

	return b.String()
}

// Is makes errors.Is(err, ErrMapping) match
func (e *Error) Is(target error) bool {
	return target == ErrMapping
}

func newError(typ, field, format string, args ...any) *Error {
	return &Error{Type: typ, Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) withHint(hint string) *Error {
	e.Hint = hint
	return e
}

// IsMappingError returns true if err is a mapping error
func IsMappingError(err error) bool {
	return errors.Is(err, ErrMapping)
}
