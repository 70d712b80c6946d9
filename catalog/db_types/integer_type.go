package db_types

import (
	"encoding/binary"
	"io"
	"strconv"
)

type IntField struct {
	Value int32
}

func NewIntField(v int32) *IntField {
	return &IntField{Value: v}
}

func (f *IntField) Type() Type {
	return IntType
}

func (f *IntField) Serialize(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, f.Value)
}

func (f *IntField) Equals(other Field) bool {
	o, ok := other.(*IntField)
	return ok && o.Value == f.Value
}

func (f *IntField) Less(other Field) bool {
	o, ok := other.(*IntField)
	if !ok {
		panic(ErrTypeMismatch)
	}
	return f.Value < o.Value
}

func (f *IntField) String() string {
	return strconv.Itoa(int(f.Value))
}

func parseIntField(r io.Reader) (*IntField, error) {
	var v int32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return NewIntField(v), nil
}
