package core

// Stable AST of a collection definition. The language parser is an external
// collaborator: it compiles collection source into this JSON shape, which is
// stored on the collection record and consumed here. The core never parses
// collection source itself.

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type kinds used by ASTType.Kind.
const (
	TypeString        = "string"
	TypeNumber        = "number"
	TypeBoolean       = "boolean"
	TypeBytes         = "bytes"
	TypePublicKey     = "publicKey"
	TypeObject        = "object"
	TypeArray         = "array"
	TypeMap           = "map"
	TypeRecord        = "record"
	TypeForeignRecord = "foreignRecord"
)

type ASTType struct {
	Kind string `json:"kind"`
	// Items is the element type of an array.
	Items *ASTType `json:"items,omitempty"`
	// Values is the value type of a map (keys are strings).
	Values *ASTType `json:"values,omitempty"`
	// Fields are the properties of a nested object.
	Fields []ASTProperty `json:"fields,omitempty"`
	// Collection names the target of a foreignRecord type.
	Collection string `json:"collection,omitempty"`
}

type ASTDirective struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

type ASTProperty struct {
	Name       string         `json:"name"`
	Type       ASTType        `json:"type"`
	Required   bool           `json:"required"`
	Directives []ASTDirective `json:"directives,omitempty"`
}

type ASTParam struct {
	Name     string  `json:"name"`
	Type     ASTType `json:"type"`
	Required bool    `json:"required"`
}

type ASTMethod struct {
	Name       string         `json:"name"`
	Params     []ASTParam     `json:"params,omitempty"`
	Code       string         `json:"code"`
	Directives []ASTDirective `json:"directives,omitempty"`
}

type ASTIndexField struct {
	FieldPath []string `json:"fieldPath"`
	Direction string   `json:"direction"` // "asc" | "desc"
}

type ASTIndex struct {
	Fields []ASTIndexField `json:"fields"`
}

// CollectionAST is one collection node of the stable AST root.
type CollectionAST struct {
	Kind       string         `json:"kind"` // always "collection"
	Namespace  string         `json:"namespace"`
	Name       string         `json:"name"`
	Directives []ASTDirective `json:"directives,omitempty"`
	Properties []ASTProperty  `json:"properties,omitempty"`
	Indexes    []ASTIndex     `json:"indexes,omitempty"`
	Methods    []ASTMethod    `json:"methods,omitempty"`
}

// ID returns the slash-delimited collection id.
func (a *CollectionAST) ID() string {
	if a.Namespace == "" {
		return a.Name
	}
	return a.Namespace + "/" + a.Name
}

// ParseCollectionAST decodes a stable AST root and returns the collection
// whose name matches the tail of collectionID.
func ParseCollectionAST(data []byte, collectionID string) (*CollectionAST, error) {
	var root []CollectionAST
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, engineErr(KindSchemaError, fmt.Errorf("decode collection ast: %w", err))
	}
	short := collectionShortName(collectionID)
	for i := range root {
		if root[i].Kind == "collection" && root[i].Name == short {
			return &root[i], nil
		}
	}
	return nil, engineErrf(KindSchemaError, "ast does not contain collection %q", short)
}

// collectionShortName returns the tail after the last slash.
func collectionShortName(collectionID string) string {
	if i := strings.LastIndexByte(collectionID, '/'); i >= 0 {
		return collectionID[i+1:]
	}
	return collectionID
}

// collectionNamespace returns everything before the last slash, or "".
func collectionNamespace(collectionID string) string {
	if i := strings.LastIndexByte(collectionID, '/'); i >= 0 {
		return collectionID[:i]
	}
	return ""
}

// walkASTFields invokes fn for every non-object field of the collection,
// descending into nested objects so paths are dotted. Fields of any other
// kind (arrays, maps, bytes, references included) are passed to fn.
func walkASTFields(props []ASTProperty, path []string, fn func(path []string, t ASTType)) {
	for _, p := range props {
		child := append(path[:len(path):len(path)], p.Name)
		switch p.Type.Kind {
		case TypeObject:
			walkASTFields(p.Type.Fields, child, fn)
		default:
			fn(child, p.Type)
		}
	}
}

// propertyAt resolves the property declaration for a dotted path, descending
// through nested objects. Array and map segments terminate resolution at the
// element type.
func propertyAt(props []ASTProperty, path []string) (*ASTProperty, bool) {
	for i, seg := range path {
		found := false
		for j := range props {
			if props[j].Name != seg {
				continue
			}
			found = true
			if i == len(path)-1 {
				return &props[j], true
			}
			if props[j].Type.Kind == TypeObject {
				props = props[j].Type.Fields
				break
			}
			return nil, false
		}
		if !found {
			return nil, false
		}
	}
	return nil, false
}
