package structures

import (
	"fmt"
	"io"
	"pagedb/catalog/db_types"
	"strings"
)

// Tuple is a row of fields conforming to a TupleDesc. RecordID is set once the tuple is stored in a page.
type Tuple struct {
	desc     *TupleDesc
	fields   []db_types.Field
	RecordID *RecordID
}

func NewTuple(desc *TupleDesc) *Tuple {
	return &Tuple{
		desc:   desc,
		fields: make([]db_types.Field, desc.NumFields()),
	}
}

func (t *Tuple) Desc() *TupleDesc {
	return t.desc
}

func (t *Tuple) SetField(i int, f db_types.Field) error {
	typ, err := t.desc.FieldType(i)
	if err != nil {
		return err
	}

	if f.Type() != typ {
		return fmt.Errorf("field %d expects %v got %v: %w", i, typ, f.Type(), db_types.ErrTypeMismatch)
	}

	t.fields[i] = f
	return nil
}

func (t *Tuple) GetField(i int) db_types.Field {
	if i < 0 || i >= len(t.fields) {
		return nil
	}
	return t.fields[i]
}

// Serialize writes every field in order. Unset fields are written as zero bytes.
func (t *Tuple) Serialize(w io.Writer) error {
	for i, f := range t.fields {
		if f == nil {
			if _, err := w.Write(make([]byte, t.desc.items[i].Type.Len())); err != nil {
				return err
			}
			continue
		}

		if err := f.Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

// ParseTuple reads a tuple of the given schema from r.
func ParseTuple(desc *TupleDesc, r io.Reader) (*Tuple, error) {
	t := NewTuple(desc)
	for i, item := range desc.items {
		f, err := item.Type.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parse field %d: %w", i, err)
		}
		t.fields[i] = f
	}

	return t, nil
}

// Equals compares schema and field values, ignoring record ids.
func (t *Tuple) Equals(other *Tuple) bool {
	if other == nil || !t.desc.Equals(other.desc) {
		return false
	}

	for i := range t.fields {
		a, b := t.fields[i], other.fields[i]
		if a == nil || b == nil {
			if a != b {
				return false
			}
			continue
		}
		if !a.Equals(b) {
			return false
		}
	}

	return true
}

func (t *Tuple) String() string {
	parts := make([]string, len(t.fields))
	for i, f := range t.fields {
		if f == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = f.String()
	}
	return strings.Join(parts, "\t")
}
