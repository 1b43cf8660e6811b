package core

// Structured where/order-by queries and their translation into key ranges.
// A where query maps field paths to either an equality or a single
// inequality; the inequality must be the last constrained field of the chosen
// index.

import (
	"encoding/json"
	"fmt"
	"sort"
)

// WhereInequality bounds one field. Any subset of the four bounds may be set.
type WhereInequality struct {
	GT  interface{} `json:"$gt,omitempty"`
	GTE interface{} `json:"$gte,omitempty"`
	LT  interface{} `json:"$lt,omitempty"`
	LTE interface{} `json:"$lte,omitempty"`
}

// WhereNode is either an equality against a value or an inequality.
type WhereNode struct {
	Equality   interface{}
	Inequality *WhereInequality
}

func (n *WhereNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		for k := range probe {
			switch k {
			case "$gt", "$gte", "$lt", "$lte":
				var ineq WhereInequality
				if err := json.Unmarshal(data, &ineq); err != nil {
					return err
				}
				n.Inequality = &ineq
				return nil
			}
		}
	}
	return json.Unmarshal(data, &n.Equality)
}

func (n WhereNode) MarshalJSON() ([]byte, error) {
	if n.Inequality != nil {
		return json.Marshal(n.Inequality)
	}
	return json.Marshal(n.Equality)
}

// WhereQuery maps dotted field paths to their constraint.
type WhereQuery map[string]WhereNode

// sortedPaths returns the constrained paths in a deterministic order.
func (q WhereQuery) sortedPaths() []string {
	paths := make([]string, 0, len(q))
	for p := range q {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// SortField is one order-by entry, decoded from ["path", "asc"|"desc"].
type SortField struct {
	Path      []string
	Direction Direction
}

func (s *SortField) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("sort entry must be [path, direction]")
	}
	s.Path = splitPath(pair[0])
	switch pair[1] {
	case "asc":
		s.Direction = Ascending
	case "desc":
		s.Direction = Descending
	default:
		return fmt.Errorf("sort direction must be asc or desc, got %q", pair[1])
	}
	return nil
}

func (s SortField) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{pathString(s.Path), s.Direction.String()})
}

// ListQuery is the full shape of a list operation.
type ListQuery struct {
	Where  WhereQuery  `json:"where,omitempty"`
	Sort   []SortField `json:"sort,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	After  string      `json:"after,omitempty"`
	Before string      `json:"before,omitempty"`
}

// sortIndexFields converts the order-by into index fields.
func (q ListQuery) sortIndexFields() []IndexField {
	out := make([]IndexField, len(q.Sort))
	for i, s := range q.Sort {
		out[i] = IndexField{Path: s.Path, Direction: s.Direction}
	}
	return out
}

// whereValueToIndexValue converts a JSON-shaped where value into the typed
// index value dictated by the schema's property at path.
func whereValueToIndexValue(schema *Schema, path []string, v interface{}) (IndexValue, error) {
	if v == nil {
		return NullValue{}, nil
	}
	t := ASTType{Kind: TypeString}
	if prop, ok := schema.Property(path); ok {
		t = prop.Type
	} else if pathString(path) == "id" {
		t = ASTType{Kind: TypeString}
	}
	rv, err := valueFromJSON(t, v, false, pathString(path))
	if err != nil {
		return nil, err
	}
	iv, ok := rv.(IndexValue)
	if !ok {
		return nil, userErrf(KindInvalidFieldValueType, "field %q cannot be queried with a %T", pathString(path), rv)
	}
	return iv, nil
}

// KeyRange is the inclusive lower / exclusive upper bound pair of one scan.
type KeyRange struct {
	Lower Key
	Upper Key
}

// keyRange accumulates the where constraints along the index fields into the
// scan bounds. Equalities feed both bounds; the single inequality decides
// exclusivity per the field's direction; the upper bound is wildcarded unless
// the inequality demands exclusivity.
func (q WhereQuery) keyRange(schema *Schema, namespace string, paths [][]string, directions []Direction) (KeyRange, error) {
	if len(paths) != len(directions) {
		return KeyRange{}, engineErrf(KindCodecError, "paths/directions length mismatch")
	}

	var (
		lowerValues    []IndexValue
		upperValues    []IndexValue
		lowerExclusive bool
		upperExclusive bool
		ineqFound      bool
	)

	for i, path := range paths {
		node, ok := q[pathString(path)]
		if !ok {
			continue
		}
		if ineqFound {
			return KeyRange{}, userErrf(KindInequalityNotLast, "inequality on %q must be the last constraint", pathString(path))
		}
		direction := directions[i]

		if node.Inequality == nil {
			v, err := whereValueToIndexValue(schema, path, node.Equality)
			if err != nil {
				return KeyRange{}, err
			}
			lowerValues = append(lowerValues, v)
			upperValues = append(upperValues, v)
			continue
		}

		ineqFound = true
		ineq := node.Inequality
		if ineq.GT != nil {
			v, err := whereValueToIndexValue(schema, path, ineq.GT)
			if err != nil {
				return KeyRange{}, err
			}
			if direction == Ascending {
				lowerExclusive = true
				lowerValues = append(lowerValues, v)
			} else {
				upperExclusive = true
				upperValues = append(upperValues, v)
			}
		}
		if ineq.GTE != nil {
			v, err := whereValueToIndexValue(schema, path, ineq.GTE)
			if err != nil {
				return KeyRange{}, err
			}
			if direction == Ascending {
				lowerValues = append(lowerValues, v)
			} else {
				upperValues = append(upperValues, v)
			}
		}
		if ineq.LT != nil {
			v, err := whereValueToIndexValue(schema, path, ineq.LT)
			if err != nil {
				return KeyRange{}, err
			}
			if direction == Ascending {
				upperExclusive = true
				upperValues = append(upperValues, v)
			} else {
				lowerExclusive = true
				lowerValues = append(lowerValues, v)
			}
		}
		if ineq.LTE != nil {
			v, err := whereValueToIndexValue(schema, path, ineq.LTE)
			if err != nil {
				return KeyRange{}, err
			}
			if direction == Ascending {
				upperValues = append(upperValues, v)
			} else {
				lowerValues = append(lowerValues, v)
			}
		}
	}

	lower, err := NewIndexKey(namespace, paths, directions, lowerValues)
	if err != nil {
		return KeyRange{}, err
	}
	if lowerExclusive {
		lower = lower.Wildcard()
	}

	upper, err := NewIndexKey(namespace, paths, directions, upperValues)
	if err != nil {
		return KeyRange{}, err
	}
	if !upperExclusive {
		upper = upper.Wildcard()
	}

	return KeyRange{Lower: lower, Upper: upper}, nil
}
