package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gofhir/conformance/pkg/binding"
	"github.com/gofhir/conformance/pkg/constraint"
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/expression"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
	"github.com/gofhir/conformance/pkg/walker"
)

// profileUse is one profile a resource is checked against.
type profileUse struct {
	profile *registry.StructureDefinition
	checked bool
}

// resourceProfiles tracks the profiles of one resource node during a run.
type resourceProfiles struct {
	stack    *walker.Stack
	profiles []*profileUse
	pending  []*profileUse
	// base is the core definition walked when no profile applied.
	base *registry.StructureDefinition
	// processed is set once the declared profiles have been read and the
	// base definition walked when there were none.
	processed bool
}

func (rp *resourceProfiles) add(sd *registry.StructureDefinition) bool {
	for _, u := range rp.profiles {
		if u.profile == sd {
			return false
		}
	}
	u := &profileUse{profile: sd}
	rp.profiles = append(rp.profiles, u)
	rp.pending = append(rp.pending, u)
	return true
}

// run is the state of one top-level validation. Nothing in it outlives the
// call.
type run struct {
	v        *Validator
	id       string
	opts     Options
	root     *element.Node
	executed *constraint.Executed

	records map[*element.Node]*resourceProfiles
	order   []*element.Node
	parents map[*element.Node]*element.Node

	bindings map[string]*binding.Checker
	visited  int
}

func newRun(v *Validator, root *element.Node, opts Options) *run {
	return &run{
		v:        v,
		id:       uuid.NewString(),
		opts:     opts,
		root:     root,
		executed: constraint.NewExecuted(),
		records:  make(map[*element.Node]*resourceProfiles),
		bindings: make(map[string]*binding.Checker),
	}
}

// scope is what the walk carries down from the enclosing elements. It is
// passed by value.
type scope struct {
	// resource is the root for FHIRPath evaluation (%resource).
	resource *element.Node
	// language is the working display language.
	language string
	// inConcept is set below a CodeableConcept.
	inConcept bool
	// extension is the url of the enclosing extension.
	extension string
}

func (r *run) start(ctx context.Context, result *issue.Result) error {
	ctx = expression.WithJSONCache(ctx)
	stack := walker.NewStack(r.root, r.opts.Path)
	sc := scope{resource: r.root, language: r.opts.Language}

	rec := r.record(stack)
	if err := r.addCallProfiles(rec, stack, result); err != nil {
		return err
	}
	if err := r.validateResource(ctx, sc, stack, result); err != nil {
		return err
	}
	return r.sweep(ctx, sc, result)
}

// addCallProfiles attaches the profiles named by the caller to the root.
// A profile for another type on a Bundle is applied to its first entry.
func (r *run) addCallProfiles(rec *resourceProfiles, stack *walker.Stack, result *issue.Result) error {
	for _, url := range r.opts.Profiles {
		sd, err := r.v.registry.Resolve(url)
		if err != nil {
			return &DefinitionError{Profile: url, Path: stack.LiteralPath, Err: err}
		}
		if sd == nil {
			result.Report(issue.DiagStructureUnknownProfile, r.root.Pos(), stack.LiteralPath, map[string]any{"profile": url})
			continue
		}
		if sd.Type != r.root.Type && r.root.Type == "Bundle" {
			if first := firstEntryResource(stack); first != nil {
				r.record(first).add(sd)
				continue
			}
		}
		if !r.typeFits(sd, r.root.Type) {
			result.Rule(false, issue.CodeStructure, r.root.Pos(), stack.LiteralPath,
				"Profile mismatch on type for %s: the profile is for %s but the resource is %s", sd.VersionedURL(), sd.Type, r.root.Type)
			continue
		}
		rec.add(sd)
	}
	return nil
}

// record returns the tracking record of the resource at stack, creating it.
func (r *run) record(stack *walker.Stack) *resourceProfiles {
	if rec, ok := r.records[stack.Node]; ok {
		return rec
	}
	rec := &resourceProfiles{stack: stack}
	r.records[stack.Node] = rec
	r.order = append(r.order, stack.Node)
	return rec
}

// sweep drains every record until no profile is left unchecked. Checking a
// profile can attach profiles to other resources, so it repeats until a
// pass finds nothing to do.
func (r *run) sweep(ctx context.Context, sc scope, result *issue.Result) error {
	for {
		progressed := false
		for i := 0; i < len(r.order); i++ {
			rec := r.records[r.order[i]]
			if len(rec.pending) == 0 {
				continue
			}
			progressed = true
			rsc := sc
			rsc.resource = resourceRoot(rec.stack)
			if err := r.drain(ctx, rsc, rec, result); err != nil {
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

func (r *run) rootProfiles() []string {
	rec := r.records[r.root]
	if rec == nil {
		return nil
	}
	out := make([]string, 0, len(rec.profiles)+1)
	if rec.base != nil {
		out = append(out, rec.base.VersionedURL())
	}
	for _, u := range rec.profiles {
		out = append(out, u.profile.VersionedURL())
	}
	return out
}

// bindingsFor returns the binding checker for a display language.
func (r *run) bindingsFor(lang string) *binding.Checker {
	if c, ok := r.bindings[lang]; ok {
		return c
	}
	c := r.v.bindings.WithLanguage(lang)
	r.bindings[lang] = c
	return c
}

// definitionError wraps a profile problem found at path.
func definitionError(profile *registry.StructureDefinition, path string, err error) error {
	var de *DefinitionError
	var se *slicing.DefinitionError
	var ce *constraint.DefinitionError
	if errors.As(err, &de) || errors.As(err, &se) || errors.As(err, &ce) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	url := ""
	if profile != nil {
		url = profile.VersionedURL()
	}
	return &DefinitionError{Profile: url, Path: path, Err: err}
}

// parentOf returns the parent of n in the instance tree.
func (r *run) parentOf(n *element.Node) *element.Node {
	if r.parents == nil {
		r.parents = make(map[*element.Node]*element.Node)
		var index func(*element.Node)
		index = func(p *element.Node) {
			for _, c := range p.Children {
				r.parents[c] = p
				index(c)
			}
		}
		index(r.root)
	}
	return r.parents[n]
}

// inTree reports whether n belongs to the validated instance.
func (r *run) inTree(n *element.Node) bool {
	return n == r.root || r.parentOf(n) != nil
}

// stackFor rebuilds the frame chain from the root down to n. Nodes outside
// the instance get a stack of their own rooted at path.
func (r *run) stackFor(n *element.Node, path string) *walker.Stack {
	if !r.inTree(n) {
		return walker.NewStack(n, path)
	}
	var chain []*element.Node
	for c := n; c != nil && c != r.root; c = r.parentOf(c) {
		chain = append(chain, c)
	}
	s := walker.NewStack(r.root, r.opts.Path)
	for i := len(chain) - 1; i >= 0; i-- {
		s = s.Push(chain[i], nil, nil)
	}
	return s
}

// resourceRoot returns the node FHIRPath sees as %resource for the resource
// at stack: the resource itself, or its container for contained resources.
func resourceRoot(stack *walker.Stack) *element.Node {
	for f := stack; f != nil; f = f.Parent {
		if f.Node.IsResource() && f.Node.Special != element.SpecialContained {
			return f.Node
		}
	}
	return stack.Node
}

// ResolveReference implements slicing.Instance.
func (r *run) ResolveReference(_ context.Context, ref *element.Node) *element.Node {
	if !r.inTree(ref) {
		return nil
	}
	target, _ := r.v.references.Resolve(r.stackFor(ref, ""))
	return target
}

// ConformsTo implements slicing.Instance. The node is validated against
// profile in a scratch buffer.
func (r *run) ConformsTo(ctx context.Context, n *element.Node, profile string) (bool, error) {
	sd, err := r.v.registry.Resolve(profile)
	if err != nil {
		return false, err
	}
	if sd == nil || sd.Root() == nil {
		return false, fmt.Errorf("unable to resolve profile %s", profile)
	}
	stack := r.stackFor(n, "")
	sc := scope{resource: resourceRoot(stack), language: r.opts.Language}
	buf := issue.NewResult()
	trial := r.trial(constraint.NewExecuted())
	err = trial.validateElement(ctx, sc, sd, sd.Root(), n.Type, stack, buf)
	r.absorb(trial)
	if err != nil {
		return false, err
	}
	return !buf.HasErrors(), nil
}

// trial returns a copy of the run that records invariants in executed, so
// a validation whose messages may be thrown away does not mark them as run.
func (r *run) trial(executed *constraint.Executed) *run {
	t := *r
	t.executed = executed
	return &t
}

// absorb takes back the bookkeeping a trial added to the run.
func (r *run) absorb(t *run) {
	r.visited = t.visited
	r.order = t.order
	if r.parents == nil {
		r.parents = t.parents
	}
}

func firstEntryResource(stack *walker.Stack) *walker.Stack {
	entries := stack.Node.ChildrenNamed("entry")
	if len(entries) == 0 {
		return nil
	}
	res := entries[0].Child("resource")
	if res == nil {
		return nil
	}
	return stack.Push(entries[0], nil, nil).Push(res, nil, nil)
}
