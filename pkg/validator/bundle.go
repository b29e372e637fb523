package validator

import (
	"strconv"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/reference"
	"github.com/gofhir/conformance/pkg/walker"
)

// validateBundle applies the document and message rules: a first entry of
// the right type, references from it that resolve inside the bundle, and
// every entry reachable from the first one.
func (r *run) validateBundle(stack *walker.Stack, result *issue.Result) {
	bundle := stack.Node
	entries := bundle.ChildrenNamed("entry")
	r.checkFullURLs(stack, entries, result)

	kind := bundle.ChildValue("type")
	var want string
	switch kind {
	case "document":
		want = "Composition"
	case "message":
		want = "MessageHeader"
	default:
		return
	}

	if len(entries) == 0 {
		result.Report(issue.DiagBundleEmpty, bundle.Pos(), stack.LiteralPath, nil)
		return
	}

	first := entries[0].Child("resource")
	firstPath := walker.ItemPath(stack.LiteralPath, entries[0]) + ".resource"
	if first == nil || first.Type != want {
		result.Report(issue.DiagBundleFirstEntry, entries[0].Pos(), walker.ItemPath(stack.LiteralPath, entries[0]),
			map[string]any{"kind": kind, "type": want})
	} else {
		fullURL := entries[0].ChildValue("fullUrl")
		if kind == "document" {
			r.checkComposition(bundle, first, firstPath, fullURL, result)
		} else {
			r.checkMessageHeader(bundle, first, firstPath, fullURL, result)
		}
	}

	r.checkAllInterlinked(stack, entries, kind == "document", result)
}

// checkFullURLs reports entries whose absolute fullUrl does not end with
// the resource's type and id.
func (r *run) checkFullURLs(stack *walker.Stack, entries []*element.Node, result *issue.Result) {
	for _, e := range entries {
		fullURL := e.ChildValue("fullUrl")
		res := e.Child("resource")
		if res == nil || fullURL == "" || strings.HasPrefix(fullURL, "urn:") {
			continue
		}
		id := res.ChildValue("id")
		if id == "" {
			continue
		}
		tail := "/" + res.Type + "/" + id
		if i := strings.Index(fullURL, "/_history/"); i >= 0 {
			fullURL = fullURL[:i]
		}
		result.Rule(strings.HasSuffix(fullURL, tail), issue.CodeInvalid, e.Pos(), walker.ItemPath(stack.LiteralPath, e),
			"The fullUrl '%s' looks like a RESTful server URL, so it must end with the correct type and id (%s)", fullURL, strings.TrimPrefix(tail, "/"))
	}
}

// checkComposition requires the references of a document's Composition to
// resolve inside the bundle.
func (r *run) checkComposition(bundle, comp *element.Node, path, fullURL string, result *issue.Result) {
	check := func(n *element.Node, p, name string) {
		r.checkBundleReference(bundle, n, p, name, fullURL, result)
	}
	each := func(parent *element.Node, parentPath, child, name string) {
		for _, c := range parent.ChildrenNamed(child) {
			check(c, walker.ItemPath(parentPath, c), name)
		}
	}

	each(comp, path, "subject", "Composition Subject")
	each(comp, path, "author", "Composition Author")
	each(comp, path, "encounter", "Composition Encounter")
	each(comp, path, "custodian", "Composition Custodian")
	for _, a := range comp.ChildrenNamed("attester") {
		each(a, walker.ItemPath(path, a), "party", "Composition Attester Party")
	}
	for _, e := range comp.ChildrenNamed("event") {
		each(e, walker.ItemPath(path, e), "detail", "Composition Event Detail")
	}

	var sections func(parent *element.Node, parentPath string)
	sections = func(parent *element.Node, parentPath string) {
		for _, s := range parent.ChildrenNamed("section") {
			sp := walker.ItemPath(parentPath, s)
			each(s, sp, "author", "Section Author")
			each(s, sp, "focus", "Section Focus")
			each(s, sp, "entry", "Section Entry")
			sections(s, sp)
		}
	}
	sections(comp, path)
}

// checkMessageHeader requires the focus of a message to resolve inside the
// bundle.
func (r *run) checkMessageHeader(bundle, header *element.Node, path, fullURL string, result *issue.Result) {
	for _, name := range []string{"focus", "data"} {
		for _, f := range header.ChildrenNamed(name) {
			r.checkBundleReference(bundle, f, walker.ItemPath(path, f), "MessageHeader Data", fullURL, result)
		}
	}
}

func (r *run) checkBundleReference(bundle, refNode *element.Node, path, name, fullURL string, result *issue.Result) {
	ref := refNode.ChildValue("reference")
	if ref == "" || strings.HasPrefix(ref, "#") {
		return
	}
	target, _ := reference.FindInBundle(bundle, ref, fullURL, path, refNode.Pos(), issue.NewResult())
	if target == nil {
		result.Report(issue.DiagBundleRefNotFound, refNode.Pos(), path, map[string]any{"ref": ref, "name": name})
	}
}

// checkAllInterlinked reports entries that cannot be reached from the
// first entry. An entry is reached when a reached entry refers to it, or
// when it refers to a reached entry.
func (r *run) checkAllInterlinked(stack *walker.Stack, entries []*element.Node, isError bool, result *issue.Result) {
	bundle := stack.Node
	index := make(map[*element.Node]int, len(entries))
	for i, e := range entries {
		if res := e.Child("resource"); res != nil {
			index[res] = i
		}
	}

	links := make([][]int, len(entries))
	for i, e := range entries {
		res := e.Child("resource")
		if res == nil {
			continue
		}
		fullURL := e.ChildValue("fullUrl")
		for _, ref := range bundleReferences(res) {
			target, _ := reference.FindInBundle(bundle, ref, fullURL, stack.LiteralPath, e.Pos(), issue.NewResult())
			if j, ok := index[target]; ok {
				links[i] = append(links[i], j)
			}
		}
	}

	reached := make([]bool, len(entries))
	var visit func(i int)
	visit = func(i int) {
		if reached[i] {
			return
		}
		reached[i] = true
		for _, j := range links[i] {
			visit(j)
		}
	}
	visit(0)

	for more := true; more; {
		more = false
		for i := range entries {
			if reached[i] {
				continue
			}
			for _, j := range links[i] {
				if reached[j] {
					visit(i)
					more = true
					break
				}
			}
		}
	}

	sev := issue.SeverityError
	if !isError {
		sev = issue.SeverityWarning
	}
	for i, e := range entries {
		if reached[i] {
			continue
		}
		fullURL := e.ChildValue("fullUrl")
		if fullURL == "" {
			if res := e.Child("resource"); res != nil {
				fullURL = res.Type + "/" + res.ChildValue("id")
			}
		}
		result.ReportAs(issue.DiagBundleUnreachable, sev, e.Pos(), stack.LiteralPath+".entry["+strconv.Itoa(i)+"]",
			map[string]any{"fullUrl": fullURL})
	}
}

// bundleReferences lists the literal references made by a resource:
// Reference.reference values and urn: identifiers in uri-typed values.
// Nested Bundle entries are not followed.
func bundleReferences(res *element.Node) []string {
	var refs []string
	res.Walk(func(n *element.Node) bool {
		if n != res && n.Special == element.SpecialBundleEntry {
			return false
		}
		if !n.HasValue || n.Kind != element.KindString || strings.HasPrefix(n.Value, "#") {
			return true
		}
		if n.Name == "reference" || strings.HasPrefix(n.Value, "urn:uuid:") || strings.HasPrefix(n.Value, "urn:oid:") {
			refs = append(refs, n.Value)
		}
		return true
	})
	return refs
}
