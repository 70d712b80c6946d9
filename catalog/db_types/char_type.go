package db_types

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// StringField holds at most StringLen bytes. Longer values are truncated to the last whole rune when serialized.
type StringField struct {
	Value string
}

func NewStringField(v string) *StringField {
	return &StringField{Value: v}
}

func (f *StringField) Type() Type {
	return StringType
}

func (f *StringField) Serialize(w io.Writer) error {
	str := f.Value
	if len(str) > StringLen {
		// cut on a rune boundary
		n := StringLen
		for n > 0 && !utf8.RuneStart(str[n]) {
			n--
		}
		str = str[:n]
	}

	// first write size
	if err := binary.Write(w, binary.BigEndian, uint32(len(str))); err != nil {
		return err
	}

	// then the string itself padded with zeros
	buf := make([]byte, StringLen)
	copy(buf, str)
	_, err := w.Write(buf)
	return err
}

func (f *StringField) Equals(other Field) bool {
	o, ok := other.(*StringField)
	return ok && o.Value == f.Value
}

func (f *StringField) Less(other Field) bool {
	o, ok := other.(*StringField)
	if !ok {
		panic(ErrTypeMismatch)
	}
	return f.Value < o.Value
}

func (f *StringField) String() string {
	return f.Value
}

func parseStringField(r io.Reader) (*StringField, error) {
	var l uint32
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return nil, err
	}

	buf := make([]byte, StringLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if l > StringLen {
		return nil, fmt.Errorf("string length %d exceeds %d: %w", l, StringLen, ErrTypeMismatch)
	}

	return NewStringField(string(buf[:l])), nil
}
