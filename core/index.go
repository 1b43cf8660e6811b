package core

// Index selection. A query plus order-by is reduced to a requirement list:
// equalities (matching an index field in either direction), then at most one
// inequality, then the order-by tiebreakers. An index matches when its field
// prefix satisfies every requirement in order.

// eitherIndexField is one requirement. left/right are the acceptable
// directions for the field at this position.
type eitherIndexField struct {
	equality   bool
	inequality bool
	left       IndexField
	right      *IndexField
}

func sameField(a, b IndexField) bool {
	return a.Direction == b.Direction && pathString(a.Path) == pathString(b.Path)
}

func (e *eitherIndexField) matches(f *IndexField) bool {
	if f == nil {
		return false
	}
	if sameField(e.left, *f) {
		return true
	}
	return e.right != nil && sameField(*e.right, *f)
}

func opposite(d Direction) Direction {
	if d == Ascending {
		return Descending
	}
	return Ascending
}

// indexRequirements builds the requirement list for a query and sort.
func indexRequirements(where WhereQuery, sorts []IndexField) ([]eitherIndexField, error) {
	var requirements []eitherIndexField

	for _, p := range where.sortedPaths() {
		if where[p].Inequality != nil {
			continue
		}
		path := splitPath(p)
		right := IndexField{Path: path, Direction: Descending}
		requirements = append(requirements, eitherIndexField{
			equality: true,
			left:     IndexField{Path: path, Direction: Ascending},
			right:    &right,
		})
	}

	for _, p := range where.sortedPaths() {
		ineq := where[p].Inequality
		if ineq == nil {
			continue
		}
		direction := Ascending
		if ineq.LT != nil || ineq.LTE != nil {
			direction = Descending
		}
		requirements = append(requirements, eitherIndexField{
			inequality: true,
			left:       IndexField{Path: splitPath(p), Direction: direction},
		})
	}

	for i, s := range sorts {
		req := eitherIndexField{left: IndexField{Path: s.Path, Direction: s.Direction}}

		isLast := i == len(sorts)-1
		if isLast {
			right := IndexField{Path: s.Path, Direction: opposite(s.Direction)}
			req.right = &right
		} else if n := len(requirements); n > 0 {
			last := &requirements[n-1]
			if last.inequality && pathString(last.left.Path) == pathString(s.Path) &&
				last.left.Direction != s.Direction {
				return nil, userErrf(KindInequalitySortMismatch,
					"cannot sort %q against the direction of its inequality", pathString(s.Path))
			}
		}

		if n := len(requirements); n > 0 {
			last := &requirements[n-1]
			if last.matches(&req.left) || last.matches(req.right) {
				last.left = req.left
				last.right = req.right
				continue
			}
		}
		requirements = append(requirements, req)
	}

	// A trailing inequality may be satisfied by either direction: the scan
	// direction flips instead.
	if n := len(requirements); n > 0 && requirements[n-1].inequality {
		last := &requirements[n-1]
		right := IndexField{Path: last.left.Path, Direction: opposite(last.left.Direction)}
		last.right = &right
	}

	return requirements, nil
}

// matchesQuery reports whether the index can serve the query and sort.
func (ix Index) matchesQuery(where WhereQuery, sorts []IndexField) (bool, error) {
	requirements, err := indexRequirements(where, sorts)
	if err != nil {
		return false, err
	}
	if len(requirements) > len(ix.Fields) {
		return false, nil
	}

	// Equality requirements first; among equal kinds, prefer the requirement
	// ordering that matches the longest index prefix.
	sortRequirements(requirements, ix.Fields)

	ignoreRights := false
	for i := range requirements {
		req := &requirements[i]
		field := ix.Fields[i]
		if !ignoreRights {
			if !req.matches(&field) {
				return false, nil
			}
		} else if !sameField(req.left, field) {
			return false, nil
		}
		if (!sameField(req.left, field) || req.inequality) && !req.equality {
			ignoreRights = true
		}
	}
	return true, nil
}

func sortRequirements(requirements []eitherIndexField, fields []IndexField) {
	prefixLen := func(r *eitherIndexField) int {
		n := 0
		for i := range fields {
			if !r.matches(&fields[i]) {
				break
			}
			n++
		}
		return n
	}
	// Insertion sort keeps this dependency-free and stable.
	for i := 1; i < len(requirements); i++ {
		for j := i; j > 0; j-- {
			a, b := &requirements[j-1], &requirements[j]
			swap := false
			if a.equality != b.equality {
				swap = b.equality
			} else {
				swap = prefixLen(b) > prefixLen(a)
			}
			if !swap {
				break
			}
			requirements[j-1], requirements[j] = requirements[j], requirements[j-1]
		}
	}
}

// selectIndex returns the first index of the schema matching the query.
func selectIndex(schema *Schema, where WhereQuery, sorts []IndexField) (*Index, error) {
	for i := range schema.Indexes {
		ok, err := schema.Indexes[i].matchesQuery(where, sorts)
		if err != nil {
			return nil, err
		}
		if ok {
			return &schema.Indexes[i], nil
		}
	}
	return nil, userErrf(KindNoIndexFound, "no index found matching the query on %q", schema.ID)
}

// shouldListInReverse reports whether the scan must run backwards: the last
// order-by field's direction is opposite the index's direction for that
// field.
func (ix Index) shouldListInReverse(sorts []IndexField) bool {
	if len(sorts) == 0 {
		return false
	}
	last := sorts[len(sorts)-1]
	for _, f := range ix.Fields {
		if pathString(f.Path) == pathString(last.Path) {
			return f.Direction != last.Direction
		}
	}
	return true
}
