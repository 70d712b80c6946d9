package db_types

import (
	"errors"
	"fmt"
	"io"
)

// StringLen is the number of payload bytes reserved for every string field on disk.
const StringLen = 128

var ErrTypeMismatch = errors.New("field type mismatch")

// Type is the closed set of field types a tuple can hold.
type Type int

const (
	IntType Type = iota
	StringType
)

// Len returns the number of bytes a field of this type occupies when serialized.
func (t Type) Len() int {
	switch t {
	case IntType:
		return 4
	case StringType:
		return 4 + StringLen
	default:
		panic(fmt.Sprintf("unknown type: %d", int(t)))
	}
}

func (t Type) String() string {
	switch t {
	case IntType:
		return "INT"
	case StringType:
		return "STRING"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Parse reads exactly t.Len() bytes from r and decodes them into a field.
func (t Type) Parse(r io.Reader) (Field, error) {
	switch t {
	case IntType:
		return parseIntField(r)
	case StringType:
		return parseStringField(r)
	default:
		return nil, fmt.Errorf("parse %v: %w", t, ErrTypeMismatch)
	}
}

// Field is a single typed value of a tuple.
type Field interface {
	Type() Type

	// Serialize writes exactly Type().Len() bytes to w.
	Serialize(w io.Writer) error
	Equals(other Field) bool
	Less(other Field) bool
	String() string
}
