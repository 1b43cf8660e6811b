package core

// Schema compilation. A stored collection AST is compiled into the runtime
// view used by the storage engine and the function gateway: the index list,
// the access-control directives and the method table.

import (
	"fmt"
)

type Direction uint8

const (
	Ascending Direction = iota
	Descending
)

// IndexField is one (path, direction) component of an index.
type IndexField struct {
	Path      []string
	Direction Direction
}

// Index is an ordered list of fields enabling ordered range scans. Every
// index carries id ASC as its final tiebreaker.
type Index struct {
	Fields []IndexField
}

// NewIndex builds an index, appending the mandatory id ASC tiebreaker unless
// the last field already is the id.
func NewIndex(fields []IndexField) Index {
	if n := len(fields); n == 0 || pathString(fields[n-1].Path) != "id" {
		fields = append(fields, IndexField{Path: []string{"id"}, Direction: Ascending})
	}
	return Index{Fields: fields}
}

func (ix Index) equalFields(other Index) bool {
	if len(ix.Fields) != len(other.Fields) {
		return false
	}
	for i := range ix.Fields {
		if ix.Fields[i].Direction != other.Fields[i].Direction ||
			pathString(ix.Fields[i].Path) != pathString(other.Fields[i].Path) {
			return false
		}
	}
	return true
}

// paths returns the field paths of the index in order.
func (ix Index) paths() [][]string {
	out := make([][]string, len(ix.Fields))
	for i, f := range ix.Fields {
		out[i] = f.Path
	}
	return out
}

// directions returns the direction vector of the index.
func (ix Index) directions() []Direction {
	out := make([]Direction, len(ix.Fields))
	for i, f := range ix.Fields {
		out[i] = f.Direction
	}
	return out
}

// Method is a callable collection method.
type Method struct {
	Name   string
	Params []ASTParam
	Code   string
	// CallFields are the record fields named by a @call directive; any value
	// on these paths matching the caller grants invocation.
	CallFields [][]string
}

// Schema is the compiled runtime view of one collection.
type Schema struct {
	ID        string
	Namespace string
	Name      string
	AST       *CollectionAST

	Properties []ASTProperty
	Indexes    []Index

	ReadAll        bool
	CallAll        bool
	ReadFields     [][]string
	DelegateFields [][]string

	Methods map[string]*Method
}

// CompileSchema derives the runtime schema from a stable AST.
func CompileSchema(ast *CollectionAST) (*Schema, error) {
	s := &Schema{
		ID:         ast.ID(),
		Namespace:  ast.Namespace,
		Name:       ast.Name,
		AST:        ast,
		Properties: ast.Properties,
		Methods:    make(map[string]*Method, len(ast.Methods)),
	}

	for _, d := range ast.Directives {
		switch d.Name {
		case "public":
			s.ReadAll = true
			s.CallAll = true
		case "read":
			if len(d.Args) == 0 {
				s.ReadAll = true
			}
		case "call":
			if len(d.Args) == 0 {
				s.CallAll = true
			}
		}
	}

	for _, p := range ast.Properties {
		for _, d := range p.Directives {
			switch d.Name {
			case "read":
				s.ReadFields = append(s.ReadFields, []string{p.Name})
			case "delegate":
				s.DelegateFields = append(s.DelegateFields, []string{p.Name})
			}
		}
	}

	for i := range ast.Methods {
		m := &ast.Methods[i]
		if _, dup := s.Methods[m.Name]; dup {
			return nil, engineErrf(KindSchemaError, "duplicate method %q in collection %q", m.Name, s.ID)
		}
		cm := &Method{Name: m.Name, Params: m.Params, Code: m.Code}
		for _, d := range m.Directives {
			if d.Name != "call" {
				continue
			}
			if len(d.Args) == 0 {
				s.CallAll = true
				continue
			}
			for _, arg := range d.Args {
				cm.CallFields = append(cm.CallFields, splitPath(arg))
			}
		}
		s.Methods[m.Name] = cm
	}

	s.Indexes = compileIndexes(ast)
	return s, nil
}

// compileIndexes builds the collection's index list: the user-declared
// indexes first, then the mandatory id index, then one ascending index per
// scalar, public-key or foreign-record field not already covered by a
// single-field index.
func compileIndexes(ast *CollectionAST) []Index {
	indexes := make([]Index, 0, len(ast.Indexes)+len(ast.Properties)+1)
	for _, ix := range ast.Indexes {
		fields := make([]IndexField, 0, len(ix.Fields))
		for _, f := range ix.Fields {
			dir := Ascending
			if f.Direction == "desc" {
				dir = Descending
			}
			fields = append(fields, IndexField{Path: f.FieldPath, Direction: dir})
		}
		indexes = append(indexes, NewIndex(fields))
	}

	indexes = append(indexes, NewIndex(nil))

	walkASTFields(ast.Properties, nil, func(path []string, t ASTType) {
		switch t.Kind {
		case TypeString, TypeNumber, TypeBoolean, TypePublicKey, TypeForeignRecord:
		default:
			return
		}
		asc := NewIndex([]IndexField{{Path: path, Direction: Ascending}})
		desc := NewIndex([]IndexField{{Path: path, Direction: Descending}})
		for _, existing := range indexes {
			if existing.equalFields(asc) || existing.equalFields(desc) {
				return
			}
		}
		indexes = append(indexes, asc)
	})

	return indexes
}

func splitPath(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Property returns the declared property at a dotted path.
func (s *Schema) Property(path []string) (*ASTProperty, bool) {
	return propertyAt(s.Properties, path)
}

func (s *Schema) String() string {
	return fmt.Sprintf("Schema(%s, %d indexes, %d methods)", s.ID, len(s.Indexes), len(s.Methods))
}
