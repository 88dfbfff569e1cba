// Package planner compiles a GraphQL operation document into a
// reusable Plan: per-field response keys, argument builders, and
// connection metadata. It parses with github.com/vektah/gqlparser/v2.
// No schema is loaded by design, so parsing goes through
// parser.ParseQuery directly rather than gqlparser.LoadQuery, which
// would require one.
package planner

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/lockvoid/cachebay/internal/keys"
)

// OperationType mirrors the three cachebay operation kinds.
type OperationType string

const (
	OperationQuery        OperationType = "query"
	OperationMutation     OperationType = "mutation"
	OperationSubscription OperationType = "subscription"
)

// ConnectionSpec carries the pagination metadata the documents
// pipeline and canonical-connection builder need for a connection
// field.
type ConnectionSpec struct {
	ConnectionKey  string
	Filters        []string
	PaginationArgs []string
}

// FieldSpec describes one selected field: how to key it, how to build
// its arguments from operation variables, and (for connections) its
// pagination metadata.
type FieldSpec struct {
	ResponseKey string
	FieldName   string
	ArgNames    []string
	Variables   []string
	Connection  *ConnectionSpec
	Selections  []*FieldSpec

	args ast.ArgumentList
}

// BuildArgs resolves this field's declared arguments against vars,
// dropping any key whose resolved value is undefined (an unset
// variable with no literal default).
func (f *FieldSpec) BuildArgs(vars map[string]any) map[string]any {
	out := make(map[string]any, len(f.args))
	for _, arg := range f.args {
		val := evalValue(arg.Value, vars)
		if keys.IsUndefined(val) {
			continue
		}
		out[arg.Name] = val
	}
	return out
}

// StringifyArgs renders BuildArgs(vars) via the stable stringifier.
func (f *FieldSpec) StringifyArgs(vars map[string]any) string {
	return keys.StableStringify(f.BuildArgs(vars))
}

// FilterArgs resolves only the connection's filter arguments (the
// declared args minus pagination args), for canonical-key purposes.
func (f *FieldSpec) FilterArgs(vars map[string]any) map[string]any {
	if f.Connection == nil {
		return f.BuildArgs(vars)
	}
	full := f.BuildArgs(vars)
	exclude := make(map[string]bool, len(f.Connection.PaginationArgs))
	for _, a := range f.Connection.PaginationArgs {
		exclude[a] = true
	}
	return keys.FilterArgs(full, exclude)
}

// Plan is the compiled, reusable description of an operation document.
type Plan struct {
	OperationType OperationType
	OperationName string
	RootFields    []*FieldSpec
}

// Planner compiles and memoizes Plans. Memoization keys are the
// *ast.QueryDocument pointer when the caller already parsed one, or a
// content hash when supplied as a source string.
type Planner struct {
	mu        sync.RWMutex
	byPointer map[*ast.QueryDocument]*Plan
	bySource  map[string]*Plan
}

// New creates an empty Planner.
func New() *Planner {
	return &Planner{
		byPointer: make(map[*ast.QueryDocument]*Plan),
		bySource:  make(map[string]*Plan),
	}
}

// GetPlan compiles (or returns the memoized compilation of) doc, which
// must be a GraphQL source string or a *ast.QueryDocument.
func (p *Planner) GetPlan(doc any) (*Plan, error) {
	switch d := doc.(type) {
	case string:
		return p.getPlanBySource(d)
	case *ast.QueryDocument:
		return p.getPlanByPointer(d)
	default:
		return nil, fmt.Errorf("planner: unsupported document type %T", doc)
	}
}

func (p *Planner) getPlanBySource(src string) (*Plan, error) {
	digest := sourceDigest(src)

	p.mu.RLock()
	if plan, ok := p.bySource[digest]; ok {
		p.mu.RUnlock()
		return plan, nil
	}
	p.mu.RUnlock()

	parsed, err := parser.ParseQuery(&ast.Source{Input: src, Name: "operation"})
	if err != nil {
		return nil, toPlannerError(err)
	}
	plan, err := compile(parsed)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.bySource[digest] = plan
	p.mu.Unlock()

	return plan, nil
}

func (p *Planner) getPlanByPointer(doc *ast.QueryDocument) (*Plan, error) {
	p.mu.RLock()
	if plan, ok := p.byPointer[doc]; ok {
		p.mu.RUnlock()
		return plan, nil
	}
	p.mu.RUnlock()

	plan, err := compile(doc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.byPointer[doc] = plan
	p.mu.Unlock()

	return plan, nil
}

func sourceDigest(src string) string {
	sum := sha1.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

func toPlannerError(err error) error {
	if list, ok := err.(gqlerror.List); ok {
		return fmt.Errorf("planner: %s", list.Error())
	}
	return fmt.Errorf("planner: %w", err)
}

func compile(doc *ast.QueryDocument) (*Plan, error) {
	if len(doc.Operations) == 0 {
		return nil, fmt.Errorf("planner: document has no operations")
	}
	op := doc.Operations[0]

	fragments := make(map[string]*ast.FragmentDefinition, len(doc.Fragments))
	for _, frag := range doc.Fragments {
		fragments[frag.Name] = frag
	}

	root := compileSelectionSet(op.SelectionSet, fragments)

	var opType OperationType
	switch op.Operation {
	case ast.Mutation:
		opType = OperationMutation
	case ast.Subscription:
		opType = OperationSubscription
	default:
		opType = OperationQuery
	}

	return &Plan{
		OperationType: opType,
		OperationName: op.Name,
		RootFields:    root,
	}, nil
}

func compileSelectionSet(set ast.SelectionSet, fragments map[string]*ast.FragmentDefinition) []*FieldSpec {
	var out []*FieldSpec
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Name == "__typename" {
				out = append(out, &FieldSpec{ResponseKey: responseKey(s), FieldName: s.Name})
				continue
			}
			out = append(out, compileField(s, fragments))
		case *ast.FragmentSpread:
			frag, ok := fragments[s.Name]
			if !ok {
				continue
			}
			out = append(out, compileSelectionSet(frag.SelectionSet, fragments)...)
		case *ast.InlineFragment:
			out = append(out, compileSelectionSet(s.SelectionSet, fragments)...)
		}
	}
	return out
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func compileField(f *ast.Field, fragments map[string]*ast.FragmentDefinition) *FieldSpec {
	argNames := make([]string, 0, len(f.Arguments))
	for _, a := range f.Arguments {
		argNames = append(argNames, a.Name)
	}

	variables := collectVariables(f)

	selections := compileSelectionSet(f.SelectionSet, fragments)

	spec := &FieldSpec{
		ResponseKey: responseKey(f),
		FieldName:   f.Name,
		ArgNames:    argNames,
		Variables:   variables,
		Selections:  selections,
		args:        f.Arguments,
	}

	spec.Connection = detectConnection(f, argNames, selections)

	return spec
}

func collectVariables(f *ast.Field) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(v *ast.Value)
	walk = func(v *ast.Value) {
		if v == nil {
			return
		}
		if v.Kind == ast.Variable {
			if !seen[v.Raw] {
				seen[v.Raw] = true
				out = append(out, v.Raw)
			}
			return
		}
		for _, child := range v.Children {
			walk(child.Value)
		}
	}
	for _, arg := range f.Arguments {
		walk(arg.Value)
	}
	return out
}

const connectionDirectiveName = "connection"

func detectConnection(f *ast.Field, argNames []string, selections []*FieldSpec) *ConnectionSpec {
	paginationArgs := intersect(argNames, []string{"first", "last", "after", "before"})

	if dir := f.Directives.ForName(connectionDirectiveName); dir != nil {
		key := f.Name
		if keyArg := dir.Arguments.ForName("key"); keyArg != nil && keyArg.Value.Kind == ast.StringValue {
			key = keyArg.Value.Raw
		}

		var filters []string
		if filtersArg := dir.Arguments.ForName("filters"); filtersArg != nil && filtersArg.Value.Kind == ast.ListValue {
			for _, child := range filtersArg.Value.Children {
				if child.Value.Kind == ast.StringValue {
					filters = append(filters, child.Value.Raw)
				}
			}
		} else {
			filters = subtract(argNames, paginationArgs)
		}

		return &ConnectionSpec{ConnectionKey: key, Filters: filters, PaginationArgs: paginationArgs}
	}

	if hasStructuralConnectionShape(selections) {
		return &ConnectionSpec{
			ConnectionKey:  f.Name,
			Filters:        subtract(argNames, paginationArgs),
			PaginationArgs: paginationArgs,
		}
	}

	return nil
}

func hasStructuralConnectionShape(selections []*FieldSpec) bool {
	hasEdges, hasPageInfo := false, false
	for _, s := range selections {
		switch s.FieldName {
		case "edges":
			hasEdges = true
		case "pageInfo":
			hasPageInfo = true
		}
	}
	return hasEdges && hasPageInfo
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if !set[v] {
			out = append(out, v)
		}
	}
	return out
}

// evalValue resolves an AST value against variables, returning
// keys.Undefined for a variable reference absent from vars: variables
// whose value is undefined are dropped, while an explicit null is kept.
func evalValue(v *ast.Value, vars map[string]any) any {
	if v == nil {
		return keys.Undefined
	}

	switch v.Kind {
	case ast.Variable:
		val, ok := vars[v.Raw]
		if !ok {
			return keys.Undefined
		}
		return val
	case ast.NullValue:
		return nil
	case ast.StringValue, ast.BlockValue, ast.EnumValue:
		return v.Raw
	case ast.BooleanValue:
		return v.Raw == "true"
	case ast.IntValue:
		var i int64
		fmt.Sscanf(v.Raw, "%d", &i)
		return float64(i)
	case ast.FloatValue:
		var f float64
		fmt.Sscanf(v.Raw, "%g", &f)
		return f
	case ast.ListValue:
		out := make([]any, 0, len(v.Children))
		for _, child := range v.Children {
			val := evalValue(child.Value, vars)
			if keys.IsUndefined(val) {
				continue
			}
			out = append(out, val)
		}
		return out
	case ast.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, child := range v.Children {
			val := evalValue(child.Value, vars)
			if keys.IsUndefined(val) {
				continue
			}
			out[child.Name] = val
		}
		return out
	default:
		return v.Raw
	}
}
