package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func parseQuery(t *testing.T, raw string) ListQuery {
	t.Helper()
	var q ListQuery
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatalf("parse query: %v", err)
	}
	return q
}

func TestWhereNodeDecoding(t *testing.T) {
	q := parseQuery(t, `{"where":{"name":"John","age":{"$gt":30}},"sort":[["age","desc"]],"limit":5}`)
	if q.Where["name"].Equality != "John" {
		t.Fatalf("name equality = %v", q.Where["name"].Equality)
	}
	ineq := q.Where["age"].Inequality
	if ineq == nil || ineq.GT != float64(30) {
		t.Fatalf("age inequality = %+v", ineq)
	}
	if len(q.Sort) != 1 || q.Sort[0].Direction != Descending {
		t.Fatalf("sort = %+v", q.Sort)
	}
	if q.Limit != 5 {
		t.Fatalf("limit = %d", q.Limit)
	}
}

//-------------------------------------------------------------
// Key range derivation
//-------------------------------------------------------------

func rangeFor(t *testing.T, whereJSON string, dirs []Direction) KeyRange {
	t.Helper()
	schema := userSchema(t)
	var where WhereQuery
	if err := json.Unmarshal([]byte(whereJSON), &where); err != nil {
		t.Fatalf("parse where: %v", err)
	}
	paths := [][]string{{"age"}, {"id"}}
	rng, err := where.keyRange(schema, "ns/User", paths, dirs)
	if err != nil {
		t.Fatalf("key range: %v", err)
	}
	return rng
}

func TestKeyRangeEquality(t *testing.T) {
	rng := rangeFor(t, `{"age": 30}`, []Direction{Ascending, Ascending})
	if rng.Lower.IsWildcard {
		t.Fatal("equality lower must be inclusive")
	}
	if !rng.Upper.IsWildcard {
		t.Fatal("default upper must be wildcarded")
	}
	if len(rng.Lower.Values) != 1 || len(rng.Upper.Values) != 1 {
		t.Fatalf("values: %v / %v", rng.Lower.Values, rng.Upper.Values)
	}
}

func TestKeyRangeInequalities(t *testing.T) {
	tests := []struct {
		name          string
		where         string
		dirs          []Direction
		lowerValues   int
		upperValues   int
		lowerWildcard bool
		upperWildcard bool
	}{
		{"GtAscending", `{"age":{"$gt":30}}`, []Direction{Ascending, Ascending}, 1, 0, true, true},
		{"GteAscending", `{"age":{"$gte":30}}`, []Direction{Ascending, Ascending}, 1, 0, false, true},
		{"LtAscending", `{"age":{"$lt":30}}`, []Direction{Ascending, Ascending}, 0, 1, false, false},
		{"LteAscending", `{"age":{"$lte":30}}`, []Direction{Ascending, Ascending}, 0, 1, false, true},
		{"GtDescending", `{"age":{"$gt":30}}`, []Direction{Descending, Ascending}, 0, 1, false, false},
		{"GteDescending", `{"age":{"$gte":30}}`, []Direction{Descending, Ascending}, 0, 1, false, true},
		{"LtDescending", `{"age":{"$lt":30}}`, []Direction{Descending, Ascending}, 1, 0, true, true},
		{"LteDescending", `{"age":{"$lte":30}}`, []Direction{Descending, Ascending}, 1, 0, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rng := rangeFor(t, tc.where, tc.dirs)
			if len(rng.Lower.Values) != tc.lowerValues {
				t.Fatalf("lower values = %d, want %d", len(rng.Lower.Values), tc.lowerValues)
			}
			if len(rng.Upper.Values) != tc.upperValues {
				t.Fatalf("upper values = %d, want %d", len(rng.Upper.Values), tc.upperValues)
			}
			if rng.Lower.IsWildcard != tc.lowerWildcard {
				t.Fatalf("lower wildcard = %v, want %v", rng.Lower.IsWildcard, tc.lowerWildcard)
			}
			if rng.Upper.IsWildcard != tc.upperWildcard {
				t.Fatalf("upper wildcard = %v, want %v", rng.Upper.IsWildcard, tc.upperWildcard)
			}
		})
	}
}

func TestKeyRangeBoundsContainMatchingKeys(t *testing.T) {
	// age > 30 ascending: key(31) inside, key(30) outside, key(29) outside.
	rng := rangeFor(t, `{"age":{"$gt":30}}`, []Direction{Ascending, Ascending})
	lower, err := rng.Lower.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	upper, err := rng.Upper.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	inside := mustSerialize(mustIndexKey(t, NumberValue(31), StringValue("1")))
	edge := mustSerialize(mustIndexKey(t, NumberValue(30), StringValue("1")))
	below := mustSerialize(mustIndexKey(t, NumberValue(29), StringValue("1")))

	within := func(k []byte) bool {
		return CompareKeys(k, lower) >= 0 && CompareKeys(k, upper) < 0
	}
	if !within(inside) {
		t.Fatal("31 must be inside the range")
	}
	if within(edge) {
		t.Fatal("30 must be excluded by $gt")
	}
	if within(below) {
		t.Fatal("29 must be below the range")
	}
}

func TestKeyRangeInequalityMustBeLast(t *testing.T) {
	schema := userSchema(t)
	where := WhereQuery{}
	if err := json.Unmarshal([]byte(`{"age":{"$gt":1},"id":"x"}`), &where); err != nil {
		t.Fatal(err)
	}
	// Index order places age before id; the inequality on age is then not
	// last among constrained fields.
	_, err := where.keyRange(schema, "ns/User", [][]string{{"age"}, {"id"}},
		[]Direction{Ascending, Ascending})
	if err == nil {
		t.Fatal("expected inequality-not-last error")
	}
	if !errors.Is(err, ErrInequalityNotLast) {
		t.Fatalf("err = %v", err)
	}
}
