package expression

import (
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/walker"
)

// Path wraps a dotted path for EvaluateDefinition without compiling it.
func Path(text string) *Expression {
	return &Expression{text: text}
}

// EvaluateDefinition follows e's steps through the snapshot starting at ed.
// Supported steps are child names, $this, extension('url'), ofType(T) and
// resolve(). Failing to land on exactly one element is an error: the path
// comes from a profile, so the profile is at fault.
func (f *FHIRPath) EvaluateDefinition(e *Expression, sd *registry.StructureDefinition, ed *registry.ElementDefinition) (*registry.ElementDefinition, error) {
	steps, err := SplitPath(e.String())
	if err != nil {
		return nil, err
	}
	w := &defWalk{r: f.resolver, sd: sd, ed: ed, expr: e.String()}
	for i, step := range steps {
		last := i == len(steps)-1
		if err := w.step(step, last); err != nil {
			return nil, err
		}
	}
	return w.ed, nil
}

type defWalk struct {
	r    registry.Resolver
	sd   *registry.StructureDefinition
	ed   *registry.ElementDefinition
	expr string
}

func (w *defWalk) step(step string, last bool) error {
	switch {
	case step == "$this":
		return nil
	case strings.HasPrefix(step, "extension("):
		return w.extension(unquote(argOf(step)), last)
	case strings.HasPrefix(step, "ofType("):
		return w.ofType(argOf(step), last)
	case step == "resolve()":
		return w.resolve()
	case strings.Contains(step, "("):
		return fmt.Errorf("unsupported function %s in discriminator path %s", step, w.expr)
	default:
		return w.child(step)
	}
}

// children returns ed's children, descending into its single type when the
// profile has none inline.
func (w *defWalk) children() ([]*registry.ElementDefinition, error) {
	kids, owner, err := walker.ChildMap(w.r, w.sd, w.ed)
	if err != nil {
		return nil, err
	}
	if len(kids) > 0 {
		w.sd = owner
		return kids, nil
	}
	if len(w.ed.Type) != 1 {
		return nil, fmt.Errorf("discriminator path %s: element %s has %d types, cannot descend", w.expr, w.ed.ID, len(w.ed.Type))
	}
	typeSD, err := walker.TypeRoot(w.r, &w.ed.Type[0])
	if err != nil {
		return nil, err
	}
	if typeSD == nil || !typeSD.HasSnapshot() {
		return nil, fmt.Errorf("discriminator path %s: unable to resolve type %s", w.expr, w.ed.Type[0].Code)
	}
	w.sd = typeSD
	return walker.DirectChildren(typeSD, typeSD.Root()), nil
}

func (w *defWalk) child(name string) error {
	kids, err := w.children()
	if err != nil {
		return err
	}
	for _, k := range kids {
		if k.SliceName == "" && k.Tail() == name {
			w.ed = k
			return nil
		}
	}
	for _, k := range kids {
		if k.SliceName != "" || !k.IsChoice() {
			continue
		}
		prefix := strings.TrimSuffix(k.Tail(), "[x]")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := name[len(prefix):]
		if suffix == "" || k.TypeFor(suffix) != nil || k.TypeFor(lowerFirst(suffix)) != nil {
			w.ed = k
			return nil
		}
	}
	return fmt.Errorf("discriminator path %s: no element %s below %s in %s", w.expr, name, w.ed.ID, w.sd.URL)
}

func (w *defWalk) extension(url string, last bool) error {
	kids, err := w.children()
	if err != nil {
		return err
	}
	for _, k := range kids {
		if k.Tail() != "extension" || k.SliceName == "" {
			continue
		}
		for _, t := range k.Type {
			for _, p := range t.Profile {
				if p == url {
					w.ed = k
					if !last && len(walker.DirectChildren(w.sd, k)) == 0 {
						return w.enter(url)
					}
					return nil
				}
			}
		}
	}
	return w.enter(url)
}

func (w *defWalk) enter(url string) error {
	sd, err := w.r.Resolve(url)
	if err != nil {
		return err
	}
	if sd == nil || !sd.HasSnapshot() {
		return fmt.Errorf("discriminator path %s: unable to resolve %s", w.expr, url)
	}
	w.sd, w.ed = sd, sd.Root()
	return nil
}

func (w *defWalk) ofType(code string, last bool) error {
	t := w.ed.TypeFor(code)
	if t == nil {
		return fmt.Errorf("discriminator path %s: element %s has no type %s", w.expr, w.ed.ID, code)
	}
	if last {
		return nil
	}
	typeSD, err := walker.TypeRoot(w.r, t)
	if err != nil {
		return err
	}
	if typeSD == nil || !typeSD.HasSnapshot() {
		return fmt.Errorf("discriminator path %s: unable to resolve type %s", w.expr, code)
	}
	w.sd, w.ed = typeSD, typeSD.Root()
	return nil
}

func (w *defWalk) resolve() error {
	var targets []string
	for _, t := range w.ed.Type {
		if t.Code != "Reference" && t.Code != "canonical" {
			continue
		}
		targets = append(targets, t.TargetProfile...)
	}
	if len(targets) != 1 {
		return fmt.Errorf("discriminator path %s: element %s resolves to %d possible target types", w.expr, w.ed.ID, len(targets))
	}
	return w.enter(targets[0])
}

// SplitPath splits a path on the dots outside parentheses and quotes.
func SplitPath(expr string) ([]string, error) {
	var steps []string
	depth, start := 0, 0
	quoted := false
	for i := 0; i < len(expr); i++ {
		switch c := expr[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '.' && depth == 0:
			steps = append(steps, strings.TrimSpace(expr[start:i]))
			start = i + 1
		}
	}
	if depth != 0 || quoted {
		return nil, fmt.Errorf("malformed path %q", expr)
	}
	steps = append(steps, strings.TrimSpace(expr[start:]))
	for _, s := range steps {
		if s == "" {
			return nil, fmt.Errorf("malformed path %q", expr)
		}
	}
	return steps, nil
}

func argOf(step string) string {
	open := strings.IndexByte(step, '(')
	return strings.TrimSpace(step[open+1 : len(step)-1])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
