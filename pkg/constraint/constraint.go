// Package constraint evaluates the invariants (ElementDefinition.constraint)
// that a profile declares on an element.
package constraint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/expression"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
)

// BestPracticeLevel is the severity given to failed best-practice
// invariants.
type BestPracticeLevel int

// Best-practice levels.
const (
	BestPracticeIgnore BestPracticeLevel = iota
	BestPracticeHint
	BestPracticeWarning
	BestPracticeError
)

// ParseBestPracticeLevel maps "ignore", "hint", "warning" or "error".
func ParseBestPracticeLevel(s string) (BestPracticeLevel, error) {
	switch strings.ToLower(s) {
	case "", "ignore", "off":
		return BestPracticeIgnore, nil
	case "hint", "information":
		return BestPracticeHint, nil
	case "warning":
		return BestPracticeWarning, nil
	case "error":
		return BestPracticeError, nil
	}
	return BestPracticeIgnore, fmt.Errorf("unknown best-practice level %q", s)
}

func (l BestPracticeLevel) String() string {
	switch l {
	case BestPracticeIgnore:
		return "ignore"
	case BestPracticeHint:
		return "hint"
	case BestPracticeWarning:
		return "warning"
	case BestPracticeError:
		return "error"
	}
	return fmt.Sprintf("BestPracticeLevel(%d)", int(l))
}

// Severity returns the issue severity for the level, and false for
// BestPracticeIgnore.
func (l BestPracticeLevel) Severity() (issue.Severity, bool) {
	switch l {
	case BestPracticeHint:
		return issue.SeverityInformation, true
	case BestPracticeWarning:
		return issue.SeverityWarning, true
	case BestPracticeError:
		return issue.SeverityError, true
	case BestPracticeIgnore:
	}
	return "", false
}

// DefinitionError reports an invariant whose expression cannot be parsed.
type DefinitionError struct {
	Profile    string
	Path       string
	Key        string
	Expression string
	Err        error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("problem processing expression %s in profile %s path %s: %v", e.Expression, e.Profile, e.Path, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// Executed records which invariant keys have run on which node during one
// validation, so an invariant reached through several profiles or slices is
// reported once.
type Executed struct {
	mu   sync.Mutex
	seen map[*element.Node]map[string]bool
}

// NewExecuted returns an empty record.
func NewExecuted() *Executed {
	return &Executed{seen: make(map[*element.Node]map[string]bool)}
}

// first marks key as run on n and reports whether it had not run before.
func (e *Executed) first(n *element.Node, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.seen[n]
	if keys == nil {
		keys = make(map[string]bool)
		e.seen[n] = keys
	}
	if keys[key] {
		return false
	}
	keys[key] = true
	return true
}

// Fork returns a copy of the record. Keys marked on the copy do not show
// up in e until merged back.
func (e *Executed) Fork() *Executed {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := NewExecuted()
	for n, keys := range e.seen {
		cp := make(map[string]bool, len(keys))
		for k := range keys {
			cp[k] = true
		}
		f.seen[n] = cp
	}
	return f
}

// Merge marks every key recorded in other as run in e.
func (e *Executed) Merge(other *Executed) {
	if other == nil || other == e {
		return
	}
	other.mu.Lock()
	defer other.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	for n, keys := range other.seen {
		dst := e.seen[n]
		if dst == nil {
			dst = make(map[string]bool, len(keys))
			e.seen[n] = dst
		}
		for k := range keys {
			dst[k] = true
		}
	}
}

// Request is one element whose invariants are to be checked.
type Request struct {
	// Root is the resource the element belongs to.
	Root *element.Node
	Node *element.Node
	Path string

	Profile    *registry.StructureDefinition
	Definition *registry.ElementDefinition

	// OnlyNonInherited limits the check to invariants the profile itself
	// introduces.
	OnlyNonInherited bool
	// Executed deduplicates across calls. It may be nil.
	Executed *Executed
}

// Checker evaluates invariants. It is safe for concurrent use.
type Checker struct {
	eval  expression.Evaluator
	level BestPracticeLevel
}

// New creates a checker.
func New(eval expression.Evaluator, level BestPracticeLevel) *Checker {
	return &Checker{eval: eval, level: level}
}

// Check evaluates the invariants of req.Definition on req.Node. An
// expression that does not parse is returned as a *DefinitionError.
func (c *Checker) Check(ctx context.Context, req Request, result *issue.Result) error {
	if req.Definition == nil {
		return nil
	}
	for i := range req.Definition.Constraint {
		inv := &req.Definition.Constraint[i]
		if inv.Expression == "" || !c.applies(req, inv) {
			continue
		}
		if req.Executed != nil && !req.Executed.first(req.Node, inv.Key) {
			continue
		}
		if err := c.checkOne(ctx, req, inv, result); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) applies(req Request, inv *registry.Constraint) bool {
	if !req.OnlyNonInherited || inv.Source == "" || req.Profile == nil {
		return true
	}
	return inv.Source == req.Profile.URL
}

func (c *Checker) checkOne(ctx context.Context, req Request, inv *registry.Constraint, result *issue.Result) error {
	expr, err := c.eval.Parse(inv.Expression)
	if err != nil {
		de := &DefinitionError{Key: inv.Key, Expression: inv.Expression, Path: req.Path, Err: err}
		if req.Profile != nil {
			de.Profile = req.Profile.VersionedURL()
		}
		return de
	}

	detail := ""
	ok, err := c.eval.EvaluateToBoolean(ctx, req.Root, req.Node, expr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Debug("constraint: evaluating %s on %s: %v", inv.Key, req.Path, err)
		ok, detail = false, " ("+err.Error()+")"
	}
	if ok {
		return nil
	}

	sev, report := c.severity(inv)
	if !report {
		return nil
	}
	result.ReportAs(issue.DiagConstraintFailed, sev, req.Node.Pos(), req.Path, map[string]any{
		"key":        inv.Key,
		"human":      inv.Human,
		"detail":     detail,
		"expression": expr.String(),
	})
	return nil
}

func (c *Checker) severity(inv *registry.Constraint) (issue.Severity, bool) {
	if inv.IsBestPractice() {
		return c.level.Severity()
	}
	switch inv.Severity {
	case "error":
		return issue.SeverityError, true
	case "warning":
		return issue.SeverityWarning, true
	}
	return "", false
}
