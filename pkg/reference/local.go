package reference

import (
	"strconv"
	"strings"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/walker"
)

// Resolve returns the target of the Reference at s when it lives inside
// the instance, together with its path. It reports nothing.
func (c *Checker) Resolve(s *walker.Stack) (*element.Node, string) {
	ref := s.Node.ChildValue("reference")
	if ref == "" {
		return nil, ""
	}
	return c.localResolve(ref, s, issue.NewResult())
}

// localResolve looks for the target of ref inside the instance: among the
// contained resources of the enclosing resource for #id references, or in
// the enclosing Bundle otherwise.
func (c *Checker) localResolve(ref string, s *walker.Stack, result *issue.Result) (*element.Node, string) {
	if strings.HasPrefix(ref, "#") {
		return containedTarget(ref[1:], s)
	}

	fullURL := ""
	for f := s; f != nil; f = f.Parent {
		n := f.Node
		if n.Special == element.SpecialBundleEntry && f.Parent != nil {
			fullURL = f.Parent.Node.ChildValue("fullUrl")
			continue
		}
		if n.IsResource() && n.Type == "Bundle" {
			target, idx := FindInBundle(n, ref, fullURL, s.LiteralPath, s.Node.Pos(), result)
			if target == nil {
				return nil, ""
			}
			return target, f.LiteralPath + ".entry[" + strconv.Itoa(idx) + "].resource"
		}
	}
	return nil, ""
}

// containedTarget finds id among the contained resources of the nearest
// resource that is not itself contained. An empty id names that resource.
func containedTarget(id string, s *walker.Stack) (*element.Node, string) {
	for f := s; f != nil; f = f.Parent {
		n := f.Node
		if !n.IsResource() || n.Special == element.SpecialContained {
			continue
		}
		if id == "" {
			return n, f.LiteralPath
		}
		for _, ct := range n.ChildrenNamed("contained") {
			if ct.ChildValue("id") == id {
				return ct, walker.ItemPath(f.LiteralPath, ct)
			}
		}
		return nil, ""
	}
	return nil, ""
}

// FindInBundle resolves ref against the entries of bundle. fullURL is the
// fullUrl of the entry the reference appears in and is the base for
// relative references. It returns the matching resource and its entry
// index, or nil and -1.
func FindInBundle(bundle *element.Node, ref, fullURL, path string, loc issue.Location, result *issue.Result) (*element.Node, int) {
	bundleType := bundle.ChildValue("type")
	response := bundleType == "batch-response" || bundleType == "transaction-response"

	target, version, resourceType := ref, "", ""
	if !isAbsolute(ref) {
		if fullURL == "" {
			result.Rule(response || strings.HasPrefix(path, "Bundle.signature"), issue.CodeStructure, loc, path,
				"Relative Reference appears inside Bundle whose entry is missing a fullUrl")
			return nil, -1
		}
		parts := strings.Split(ref, "/")
		if len(parts) != 2 && !(len(parts) == 4 && parts[2] == "_history") {
			result.Rule(false, issue.CodeStructure, loc, path,
				"Relative URLs must be of the format [ResourceName]/[id].  Encountered %s", ref)
			return nil, -1
		}
		if len(parts) == 4 {
			version = parts[3]
		}
		resourceType = parts[0]
		target = resolveBase(fullURL, parts[0], parts[1])
	} else if i := strings.Index(ref, "/_history/"); i >= 0 {
		target, version = ref[:i], ref[i+len("/_history/"):]
	}

	var found *element.Node
	idx := -1
	for i, entry := range bundle.ChildrenNamed("entry") {
		if entry.ChildValue("fullUrl") != target {
			continue
		}
		res := entry.Child("resource")
		if version != "" {
			vid := res.Child("meta").ChildValue("versionId")
			if !result.Warning(vid != "", issue.CodeStructure, entry.Pos(), path,
				"Entries matching fullURL %s should declare meta/versionId because there are version-specific references", target) {
				continue
			}
			if vid != version {
				continue
			}
		}
		if found != nil {
			result.Report(issue.DiagBundleMultipleMatches, loc, path, map[string]any{"ref": ref})
			break
		}
		found, idx = res, i
	}

	if found != nil && resourceType != "" {
		result.Rule(found.Type == resourceType, issue.CodeStructure, loc, path,
			"Matching reference for reference %s has resourceType %s", ref, found.Type)
	}
	if found == nil && strings.HasPrefix(ref, "urn:") {
		result.Report(issue.DiagReferenceNotInBundle, loc, path, map[string]any{"ref": ref})
	}
	if found == nil {
		return nil, -1
	}
	return found, idx
}

// resolveBase turns Type/id into an absolute URL relative to fullURL:
// urn:uuid:a + Patient/b is urn:uuid:b, http://x/fhir/Obs/1 + Patient/2 is
// http://x/fhir/Patient/2.
func resolveBase(fullURL, resourceType, id string) string {
	if strings.HasPrefix(fullURL, "urn:") {
		parts := strings.Split(fullURL, ":")
		return strings.Join(parts[:len(parts)-1], ":") + ":" + id
	}
	parts := strings.Split(fullURL, "/")
	if len(parts) < 2 {
		return resourceType + "/" + id
	}
	return strings.Join(parts[:len(parts)-2], "/") + "/" + resourceType + "/" + id
}

func isAbsolute(ref string) bool {
	return strings.HasPrefix(ref, "http:") || strings.HasPrefix(ref, "https:") || strings.HasPrefix(ref, "urn:")
}
