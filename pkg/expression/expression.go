// Package expression is the boolean expression capability the engine uses for
// invariants and slice discriminators. The default implementation runs
// FHIRPath through github.com/gofhir/fhirpath.
package expression

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/metrics"
	"github.com/gofhir/conformance/pkg/registry"
)

// Expression is a parsed expression. It is immutable and may be shared.
type Expression struct {
	text     string
	compiled *fhirpath.Expression
}

// String returns the source text.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.text
}

// Evaluator parses and evaluates expressions.
//
// Parse fails on malformed syntax; callers treat that as a profile defect.
// EvaluateDefinition resolves a path statically against a profile instead of
// an instance and returns the element definition it lands on.
type Evaluator interface {
	Parse(expr string) (*Expression, error)
	EvaluateToBoolean(ctx context.Context, root, node *element.Node, e *Expression) (bool, error)
	EvaluateDefinition(e *Expression, sd *registry.StructureDefinition, ed *registry.ElementDefinition) (*registry.ElementDefinition, error)
}

// FHIRPath is the default Evaluator.
type FHIRPath struct {
	resolver registry.Resolver

	mu    sync.RWMutex
	cache map[uint64]*Expression
}

// NewFHIRPath creates an evaluator. The resolver is used by
// EvaluateDefinition to follow types, extensions and references.
func NewFHIRPath(resolver registry.Resolver) *FHIRPath {
	return &FHIRPath{
		resolver: resolver,
		cache:    make(map[uint64]*Expression),
	}
}

// Parse compiles expr, reusing an earlier compilation of the same text.
// Two goroutines compiling the same text at once both succeed; whichever
// stores last is kept.
func (f *FHIRPath) Parse(expr string) (*Expression, error) {
	key := xxhash.Sum64String(expr)

	f.mu.RLock()
	cached, ok := f.cache[key]
	f.mu.RUnlock()
	if ok && cached.text == expr {
		metrics.RecordExpressionCache(true)
		return cached, nil
	}
	metrics.RecordExpressionCache(false)

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	e := &Expression{text: expr, compiled: compiled}

	f.mu.Lock()
	f.cache[key] = e
	f.mu.Unlock()
	return e, nil
}

// CacheSize returns the number of cached expressions.
func (f *FHIRPath) CacheSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}

// EvaluateToBoolean evaluates e with node as the focus. An empty result is
// false, a single boolean is its value, any other non-empty result is true.
func (f *FHIRPath) EvaluateToBoolean(ctx context.Context, root, node *element.Node, e *Expression) (bool, error) {
	if e == nil || e.compiled == nil {
		return false, fmt.Errorf("expression was not parsed")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := focusJSON(ctx, node)
	if err != nil {
		return false, fmt.Errorf("rendering focus %s: %w", node.Name, err)
	}
	result, err := e.compiled.Evaluate(data)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

func truthy(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}

type cacheKey struct{}

// JSONCache holds the rendered JSON of nodes for the duration of one
// validation call.
type JSONCache struct {
	mu    sync.Mutex
	items map[*element.Node][]byte
}

// WithJSONCache returns a context that carries a fresh JSONCache.
func WithJSONCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, &JSONCache{items: make(map[*element.Node][]byte)})
}

func focusJSON(ctx context.Context, n *element.Node) ([]byte, error) {
	c, _ := ctx.Value(cacheKey{}).(*JSONCache)
	if c == nil {
		return element.MarshalJSON(n)
	}
	c.mu.Lock()
	data, ok := c.items[n]
	c.mu.Unlock()
	if ok {
		return data, nil
	}
	data, err := element.MarshalJSON(n)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.items[n] = data
	c.mu.Unlock()
	return data, nil
}

var _ Evaluator = (*FHIRPath)(nil)
