// Package slicing decides which slice of a sliced element an instance node
// belongs to. Each slice's discriminators are compiled once into a
// predicate: value, pattern and exists discriminators become one FHIRPath
// conjunction; type and profile discriminators are checked against the
// instance directly.
package slicing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/expression"
	"github.com/gofhir/conformance/pkg/registry"
)

const pathThis = "$this"

// Kind is a discriminator type.
type Kind int

// Discriminator kinds.
const (
	KindValue Kind = iota
	KindExists
	KindType
	KindPattern
	KindProfile
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindExists:
		return "exists"
	case KindType:
		return "type"
	case KindPattern:
		return "pattern"
	case KindProfile:
		return "profile"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a discriminator type code to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "value":
		return KindValue, nil
	case "exists":
		return KindExists, nil
	case "type":
		return KindType, nil
	case "pattern":
		return KindPattern, nil
	case "profile":
		return KindProfile, nil
	}
	return 0, fmt.Errorf("unknown discriminator type %q", s)
}

// DefinitionError reports a slicing definition the engine cannot use. It
// points at the profile, not the instance.
type DefinitionError struct {
	Profile string
	Slice   string
	Msg     string
	Err     error
}

func (e *DefinitionError) Error() string {
	s := fmt.Sprintf("profile %s, slice %s: %s", e.Profile, e.Slice, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DefinitionError) Unwrap() error { return e.Err }

// Instance answers questions about the instance that a predicate cannot
// answer on its own.
type Instance interface {
	// ResolveReference returns the resource a Reference node points at, or
	// nil when it cannot be found.
	ResolveReference(ctx context.Context, ref *element.Node) *element.Node
	// ConformsTo validates node against a profile in isolation.
	ConformsTo(ctx context.Context, node *element.Node, profile string) (bool, error)
}

// Predicate is a compiled slice.
type Predicate struct {
	Slice *registry.ElementDefinition
	// Expr is the FHIRPath part; nil when every discriminator is native.
	Expr  *expression.Expression
	terms []term
	text  string
}

// String renders the predicate for messages.
func (p *Predicate) String() string { return p.text }

type term struct {
	kind     Kind
	path     string
	target   *registry.ElementDefinition
	types    []string
	profiles []string
	literal  string
}

type compiled struct {
	p   *Predicate
	err error
}

// Matcher compiles and evaluates slice predicates. Compiled predicates are
// cached per slice definition; concurrent compiles of the same slice are
// harmless and the last one stored wins.
type Matcher struct {
	eval     expression.Evaluator
	resolver registry.Resolver
	cache    sync.Map
}

// New creates a Matcher.
func New(eval expression.Evaluator, resolver registry.Resolver) *Matcher {
	return &Matcher{eval: eval, resolver: resolver}
}

// Compile returns the predicate for slice, whose slicing is declared on
// entry. Definition problems are returned as *DefinitionError.
func (m *Matcher) Compile(sd *registry.StructureDefinition, entry, slice *registry.ElementDefinition) (*Predicate, error) {
	if c, ok := m.cache.Load(slice); ok {
		cc := c.(*compiled)
		return cc.p, cc.err
	}
	p, err := m.compile(sd, entry, slice)
	m.cache.Store(slice, &compiled{p: p, err: err})
	return p, err
}

func (m *Matcher) compile(sd *registry.StructureDefinition, entry, slice *registry.ElementDefinition) (*Predicate, error) {
	defErr := func(format string, args ...any) error {
		return &DefinitionError{Profile: sd.VersionedURL(), Slice: slice.ID, Msg: fmt.Sprintf(format, args...)}
	}
	if entry.Slicing == nil || len(entry.Slicing.Discriminator) == 0 {
		return nil, defErr("slicing on %s has no discriminators", entry.ID)
	}

	p := &Predicate{Slice: slice}
	var exprParts, textParts []string
	for _, d := range entry.Slicing.Discriminator {
		kind, err := ParseKind(d.Type)
		if err != nil {
			return nil, defErr("%v", err)
		}
		path := strings.TrimSpace(d.Path)
		if path == "" {
			path = pathThis
		}

		if kind == KindValue && path == "url" && isExtension(entry) {
			if url := extensionProfile(slice); url != "" {
				exprParts = append(exprParts, "url = "+quote(url))
				textParts = append(textParts, "url = "+quote(url))
				continue
			}
		}

		// a profile discriminator through resolve() reads the target
		// profiles of the reference itself
		lookup := path
		if kind == KindProfile && strings.HasSuffix(path, "resolve()") {
			lookup = strings.TrimSuffix(strings.TrimSuffix(path, "resolve()"), ".")
		}
		target := slice
		if lookup != pathThis && lookup != "" {
			target, err = m.eval.EvaluateDefinition(expression.Path(lookup), sd, slice)
			if err != nil {
				return nil, &DefinitionError{Profile: sd.VersionedURL(), Slice: slice.ID, Msg: "unable to resolve discriminator path " + path, Err: err}
			}
		}

		switch kind {
		case KindValue, KindPattern:
			raw, ok := fixedOrPattern(target)
			if !ok {
				return nil, defErr("the discriminator %s has no fixed value or pattern on %s", path, target.ID)
			}
			if path == pathThis && isScalar(raw) {
				lit := scalarText(raw)
				p.terms = append(p.terms, term{kind: kind, path: path, target: target, literal: lit})
				textParts = append(textParts, "$this = "+quote(lit))
				continue
			}
			cond, err := valueCondition(path, raw)
			if err != nil {
				return nil, defErr("fixed value of %s: %v", target.ID, err)
			}
			exprParts = append(exprParts, cond)
			textParts = append(textParts, cond)
		case KindExists:
			var cond string
			if max, bounded := target.MaxCount(); bounded && max == 0 {
				cond = path + ".empty()"
			} else if target.Min >= 1 {
				cond = path + ".exists()"
			} else {
				return nil, defErr("exists discriminator %s needs min >= 1 or max = 0 on %s", path, target.ID)
			}
			exprParts = append(exprParts, cond)
			textParts = append(textParts, cond)
		case KindType:
			codes := target.TypeCodes()
			if len(codes) == 0 && !strings.Contains(target.Path, ".") {
				// a resolved reference lands on a resource root
				codes = []string{target.Path}
			}
			if len(codes) != 1 {
				return nil, defErr("type discriminator %s resolves to %d types on %s", path, len(codes), target.ID)
			}
			p.terms = append(p.terms, term{kind: kind, path: path, target: target, types: codes})
			textParts = append(textParts, path+" is "+codes[0])
		case KindProfile:
			profiles := targetProfiles(target, strings.HasSuffix(path, "resolve()"))
			if len(profiles) == 0 {
				return nil, defErr("profile discriminator %s has no profile on %s", path, target.ID)
			}
			p.terms = append(p.terms, term{kind: kind, path: path, target: target, profiles: profiles})
			textParts = append(textParts, path+".conformsTo('"+strings.Join(profiles, "' | '")+"')")
		default:
			return nil, defErr("unsupported discriminator %s", kind)
		}
	}

	if len(exprParts) > 0 {
		text := strings.Join(exprParts, " and ")
		e, err := m.eval.Parse(text)
		if err != nil {
			return nil, &DefinitionError{Profile: sd.VersionedURL(), Slice: slice.ID, Msg: "compiling " + text, Err: err}
		}
		p.Expr = e
	}
	p.text = strings.Join(textParts, " and ")
	return p, nil
}

// Matches reports whether node satisfies p.
func (m *Matcher) Matches(ctx context.Context, inst Instance, root, node *element.Node, p *Predicate) (bool, error) {
	for i := range p.terms {
		ok, err := m.matchTerm(ctx, inst, node, &p.terms[i])
		if err != nil || !ok {
			return false, err
		}
	}
	if p.Expr == nil {
		return true, nil
	}
	return m.eval.EvaluateToBoolean(ctx, root, node, p.Expr)
}

func (m *Matcher) matchTerm(ctx context.Context, inst Instance, node *element.Node, t *term) (bool, error) {
	switch t.kind {
	case KindValue, KindPattern:
		return node.HasValue && node.Value == t.literal, nil
	case KindType:
		for _, n := range navigate(ctx, inst, node, t.path) {
			if strings.EqualFold(typeOf(n, t.target), t.types[0]) {
				return true, nil
			}
		}
		return false, nil
	case KindProfile:
		for _, n := range navigate(ctx, inst, node, t.path) {
			for _, prof := range t.profiles {
				ok, err := inst.ConformsTo(ctx, n, prof)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
		}
		return false, nil
	case KindExists:
		return len(navigate(ctx, inst, node, t.path)) > 0, nil
	}
	return false, fmt.Errorf("unsupported discriminator %s", t.kind)
}

// typeOf is the run-time type of n: the resource type, the choice suffix,
// or the single declared type.
func typeOf(n *element.Node, def *registry.ElementDefinition) string {
	if n.IsResource() {
		return n.Type
	}
	if def != nil && def.IsChoice() {
		prefix := strings.TrimSuffix(def.Tail(), "[x]")
		if strings.HasPrefix(n.Name, prefix) && len(n.Name) > len(prefix) {
			return n.Name[len(prefix):]
		}
	}
	if def != nil && len(def.Type) == 1 {
		return def.Type[0].WorkingCode()
	}
	return ""
}

// navigate follows a discriminator path over the instance. It understands
// child names (choice names by prefix), $this, extension('url') and
// resolve().
func navigate(ctx context.Context, inst Instance, node *element.Node, path string) []*element.Node {
	steps, err := expression.SplitPath(path)
	if err != nil {
		return nil
	}
	cur := []*element.Node{node}
	for _, step := range steps {
		var next []*element.Node
		for _, n := range cur {
			switch {
			case step == pathThis:
				next = append(next, n)
			case step == "resolve()":
				if inst == nil {
					continue
				}
				if target := inst.ResolveReference(ctx, n); target != nil {
					next = append(next, target)
				}
			case strings.HasPrefix(step, "extension("):
				url := strings.Trim(step[len("extension("):len(step)-1], "' ")
				next = append(next, n.Extensions(url)...)
			default:
				for _, c := range n.Children {
					if c.Name == step {
						next = append(next, c)
					} else if strings.HasPrefix(c.Name, step) && len(c.Name) > len(step) && isUpper(c.Name[len(step)]) {
						next = append(next, c)
					}
				}
			}
		}
		cur = next
	}
	return cur
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func isExtension(ed *registry.ElementDefinition) bool {
	tail := ed.Tail()
	return tail == "extension" || tail == "modifierExtension"
}

func extensionProfile(slice *registry.ElementDefinition) string {
	for _, t := range slice.Type {
		if t.Code == "Extension" && len(t.Profile) == 1 {
			return t.Profile[0]
		}
	}
	return ""
}

func fixedOrPattern(ed *registry.ElementDefinition) ([]byte, bool) {
	if ed.HasFixed() {
		return ed.Fixed, true
	}
	if ed.HasPattern() {
		return ed.Pattern, true
	}
	return nil, false
}

func targetProfiles(ed *registry.ElementDefinition, resolved bool) []string {
	var out []string
	for _, t := range ed.Type {
		if resolved {
			out = append(out, t.TargetProfile...)
		} else {
			out = append(out, t.Profile...)
		}
	}
	return out
}
