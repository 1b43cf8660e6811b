package core

// Code generation hook. The core consumes the stable AST and asks a
// CodeGenerator for the script text that binds the collection's methods onto
// the injected instance. The default generator emits plain function bindings
// from the method bodies carried by the AST.

import (
	"fmt"
	"strings"
)

// CodeGenerator emits sandbox script text for a collection.
type CodeGenerator interface {
	// CollectionCode returns the script that defines `instance` from the
	// injected `$$__instance` global and attaches every method.
	CollectionCode(ast *CollectionAST) (string, error)
	// ReferenceFn returns a JS function expression `(data) => instance` that
	// rebuilds a dereferenced record of the given collection, methods
	// attached.
	ReferenceFn(ast *CollectionAST) (string, error)
}

type defaultCodeGenerator struct{}

// NewCodeGenerator returns the built-in generator.
func NewCodeGenerator() CodeGenerator { return defaultCodeGenerator{} }

func methodBinding(target string, m *ASTMethod) string {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.Name
	}
	return fmt.Sprintf("%s.%s = function (%s) {\n%s\n};", target, m.Name, strings.Join(params, ", "), m.Code)
}

func (defaultCodeGenerator) CollectionCode(ast *CollectionAST) (string, error) {
	var b strings.Builder
	b.WriteString("const instance = $$__instance;\n")
	for i := range ast.Methods {
		b.WriteString(methodBinding("instance", &ast.Methods[i]))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (defaultCodeGenerator) ReferenceFn(ast *CollectionAST) (string, error) {
	var b strings.Builder
	b.WriteString("(data) => {\n")
	for i := range ast.Methods {
		if ast.Methods[i].Name == "constructor" {
			continue
		}
		b.WriteString(methodBinding("data", &ast.Methods[i]))
		b.WriteString("\n")
	}
	b.WriteString("return data;\n}")
	return b.String(), nil
}
