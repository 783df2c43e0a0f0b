package graphql

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// Info holds the structural analysis of one parsed operation document.
type Info struct {
	OperationName string
	OperationType string // "query", "mutation", "subscription"
	Depth         int
	Complexity    int
	Introspection bool
}

// analyze extracts Info from a parsed document.
func analyze(doc *ast.QueryDocument, operationName string) *Info {
	info := &Info{OperationName: operationName}

	var op *ast.OperationDefinition
	for _, o := range doc.Operations {
		if operationName == "" || o.Name == operationName {
			op = o
			break
		}
	}
	if op == nil && len(doc.Operations) > 0 {
		op = doc.Operations[0]
	}

	if op != nil {
		info.OperationType = string(op.Operation)
		if info.OperationName == "" {
			info.OperationName = op.Name
		}
	} else {
		info.OperationType = "query"
	}

	info.Depth = computeDepth(doc)
	info.Complexity = computeComplexity(doc)
	info.Introspection = detectIntrospection(doc)
	return info
}

// computeDepth walks the AST and returns the maximum nesting depth across
// operations and named fragments.
func computeDepth(doc *ast.QueryDocument) int {
	maxDepth := 0
	for _, op := range doc.Operations {
		if d := selectionSetDepth(op.SelectionSet, 0); d > maxDepth {
			maxDepth = d
		}
	}
	for _, frag := range doc.Fragments {
		if d := selectionSetDepth(frag.SelectionSet, 0); d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth
}

func selectionSetDepth(ss ast.SelectionSet, current int) int {
	if len(ss) == 0 {
		return current
	}
	maxDepth := current
	for _, sel := range ss {
		var childSS ast.SelectionSet
		switch s := sel.(type) {
		case *ast.Field:
			childSS = s.SelectionSet
		case *ast.InlineFragment:
			childSS = s.SelectionSet
		case *ast.FragmentSpread:
			// Named fragments are measured separately; resolving the spread
			// here would recurse forever on cyclic fragments.
			continue
		}
		if d := selectionSetDepth(childSS, current+1); d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth
}

// computeComplexity scores each field as 1 + sum of child complexities.
func computeComplexity(doc *ast.QueryDocument) int {
	total := 0
	for _, op := range doc.Operations {
		total += selectionSetComplexity(op.SelectionSet)
	}
	return total
}

func selectionSetComplexity(ss ast.SelectionSet) int {
	complexity := 0
	for _, sel := range ss {
		switch s := sel.(type) {
		case *ast.Field:
			complexity += 1 + selectionSetComplexity(s.SelectionSet)
		case *ast.InlineFragment:
			complexity += selectionSetComplexity(s.SelectionSet)
		case *ast.FragmentSpread:
			complexity += 1
		}
	}
	return complexity
}

// detectIntrospection checks if any top-level field starts with "__".
func detectIntrospection(doc *ast.QueryDocument) bool {
	for _, op := range doc.Operations {
		for _, sel := range op.SelectionSet {
			if field, ok := sel.(*ast.Field); ok {
				if len(field.Name) >= 2 && field.Name[:2] == "__" {
					return true
				}
			}
		}
	}
	return false
}

// hasFragmentCycle reports whether any named fragment reaches itself through
// its spreads, directly or transitively.
func hasFragmentCycle(doc *ast.QueryDocument) bool {
	spreads := make(map[string][]string, len(doc.Fragments))
	for _, frag := range doc.Fragments {
		spreads[frag.Name] = collectSpreads(frag.SelectionSet, nil)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(spreads))

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, next := range spreads[name] {
			if visit(next) {
				return true
			}
		}
		state[name] = done
		return false
	}

	for name := range spreads {
		if visit(name) {
			return true
		}
	}
	return false
}

func collectSpreads(ss ast.SelectionSet, acc []string) []string {
	for _, sel := range ss {
		switch s := sel.(type) {
		case *ast.Field:
			acc = collectSpreads(s.SelectionSet, acc)
		case *ast.InlineFragment:
			acc = collectSpreads(s.SelectionSet, acc)
		case *ast.FragmentSpread:
			acc = append(acc, s.Name)
		}
	}
	return acc
}
