package main

import (
	"errors"
	"fmt"
	"pagedb/catalog/db_types"
	"pagedb/disk/structures"
	"strconv"
	"strings"
)

var errBadSchema = errors.New("bad schema")

// parseSchema reads a comma separated list of name:type pairs where type is int or string.
func parseSchema(s string) (*structures.TupleDesc, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty schema: %w", errBadSchema)
	}

	var types []db_types.Type
	var names []string
	for _, col := range strings.Split(s, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(col), ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("column %q is not name:type: %w", col, errBadSchema)
		}

		switch strings.ToLower(typ) {
		case "int":
			types = append(types, db_types.IntType)
		case "string":
			types = append(types, db_types.StringType)
		default:
			return nil, fmt.Errorf("column %q has unknown type %q: %w", name, typ, errBadSchema)
		}
		names = append(names, name)
	}

	return structures.NewTupleDesc(types, names), nil
}

// parseTuple reads comma separated values in column order.
func parseTuple(desc *structures.TupleDesc, s string) (*structures.Tuple, error) {
	values := strings.Split(s, ",")
	if len(values) != desc.NumFields() {
		return nil, fmt.Errorf("got %d values for %d columns", len(values), desc.NumFields())
	}

	items := desc.Items()
	t := structures.NewTuple(desc)
	for i, v := range values {
		v = strings.TrimSpace(v)

		var f db_types.Field
		switch items[i].Type {
		case db_types.IntType:
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", items[i].Name, err)
			}
			f = db_types.NewIntField(int32(n))
		default:
			f = db_types.NewStringField(v)
		}

		if err := t.SetField(i, f); err != nil {
			return nil, err
		}
	}

	return t, nil
}
