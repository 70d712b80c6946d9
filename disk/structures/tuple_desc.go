package structures

import (
	"errors"
	"fmt"
	"pagedb/catalog/db_types"
	"strings"
)

var ErrNoSuchField = errors.New("field does not exist")

type TDItem struct {
	Type db_types.Type
	Name string
}

func (i TDItem) String() string {
	return fmt.Sprintf("%s(%v)", i.Name, i.Type)
}

// TupleDesc describes the schema of a tuple. It has at least one item.
type TupleDesc struct {
	items []TDItem
}

func NewTupleDesc(types []db_types.Type, names []string) *TupleDesc {
	if len(types) == 0 {
		panic("tuple desc must have at least one field")
	}

	items := make([]TDItem, len(types))
	for i, t := range types {
		items[i].Type = t
		if i < len(names) {
			items[i].Name = names[i]
		}
	}

	return &TupleDesc{items: items}
}

func (td *TupleDesc) NumFields() int {
	return len(td.items)
}

func (td *TupleDesc) Items() []TDItem {
	res := make([]TDItem, len(td.items))
	copy(res, td.items)
	return res
}

func (td *TupleDesc) FieldName(i int) (string, error) {
	if i < 0 || i >= len(td.items) {
		return "", fmt.Errorf("field %d: %w", i, ErrNoSuchField)
	}
	return td.items[i].Name, nil
}

func (td *TupleDesc) FieldType(i int) (db_types.Type, error) {
	if i < 0 || i >= len(td.items) {
		return 0, fmt.Errorf("field %d: %w", i, ErrNoSuchField)
	}
	return td.items[i].Type, nil
}

// FieldNameToIndex returns the index of the first field with the given name.
func (td *TupleDesc) FieldNameToIndex(name string) (int, error) {
	for i, item := range td.items {
		if item.Name != "" && item.Name == name {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%q: %w", name, ErrNoSuchField)
}

// Size returns the width in bytes of a tuple with this schema.
func (td *TupleDesc) Size() int {
	size := 0
	for _, item := range td.items {
		size += item.Type.Len()
	}
	return size
}

// Equals compares the number of fields and the type sequence. Field names are ignored.
func (td *TupleDesc) Equals(other *TupleDesc) bool {
	if other == nil || len(td.items) != len(other.items) {
		return false
	}

	for i := range td.items {
		if td.items[i].Type != other.items[i].Type {
			return false
		}
	}

	return true
}

func (td *TupleDesc) String() string {
	parts := make([]string, len(td.items))
	for i, item := range td.items {
		parts[i] = item.String()
	}
	return strings.Join(parts, ", ")
}

// Merge returns a new TupleDesc having a's fields followed by b's.
func Merge(a, b *TupleDesc) *TupleDesc {
	items := make([]TDItem, 0, len(a.items)+len(b.items))
	items = append(items, a.items...)
	items = append(items, b.items...)
	return &TupleDesc{items: items}
}
