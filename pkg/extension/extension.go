// Package extension checks that an extension is legal where it is used:
// its definition resolves, its modifier flag agrees with how it is used,
// the context allows it and its value has an allowed type. The content of
// the extension is then validated by the caller against the returned
// definition.
package extension

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

// Policy decides which extensions without a definition are acceptable.
type Policy struct {
	// AllowAny accepts every unresolvable extension.
	AllowAny bool
	// Domains lists URL prefixes whose extensions are accepted unresolved.
	Domains []string
}

// always-known hosts used in examples and test data
var knownHosts = []string{"example.org", "acme.com", "nema.org"}

const toolsPrefix = "http://hl7.org/fhir/tools/StructureDefinition/"

func (p Policy) known(url string) bool {
	for _, h := range knownHosts {
		if strings.Contains(url, h) {
			return true
		}
	}
	if strings.HasPrefix(url, toolsPrefix) {
		return true
	}
	for _, d := range p.Domains {
		if strings.HasPrefix(url, d) {
			return true
		}
	}
	return false
}

func (p Policy) allowed(url string) bool {
	return p.AllowAny || p.known(url)
}

// Use describes one occurrence of an extension in an instance.
type Use struct {
	Node *element.Node
	Path string
	// Definition is the element that admitted the extension, typically
	// X.extension or X.modifierExtension.
	Definition *registry.ElementDefinition
	// Profile owns Definition.
	Profile *registry.StructureDefinition
	// ParentURL is the url of the enclosing extension when nested.
	ParentURL string
	// HostType is the type of the element carrying the extension.
	HostType string
	// HostPaths are the logical paths of the element carrying the extension.
	HostPaths []string
}

// Checker validates extension usage. It is safe for concurrent use.
type Checker struct {
	resolver registry.Resolver
	policy   Policy
	xver     sync.Map // url -> *crossVersion
}

// New creates a checker.
func New(resolver registry.Resolver, policy Policy) *Checker {
	return &Checker{resolver: resolver, policy: policy}
}

// Check validates u and returns the extension's definition, or nil when it
// could not be resolved.
func (c *Checker) Check(u Use, result *issue.Result) *registry.StructureDefinition {
	n := u.Node
	url := n.ChildValue("url")
	loc := n.Pos()
	if url == "" {
		result.Report(issue.DiagExtensionNoURL, loc, u.Path, nil)
		return nil
	}
	urlPath := fmt.Sprintf("%s[url='%s']", u.Path, url)

	ex := c.resolve(u, url, urlPath, result)
	if ex == nil || ex.Root() == nil {
		return nil
	}

	exModifier := ex.Root().IsModifier
	if u.Definition != nil && u.Definition.IsModifier != exModifier {
		labelled, actual := "not labelled as", "is"
		if u.Definition.IsModifier {
			labelled, actual = "labelled as", "is not"
		}
		result.Report(issue.DiagExtensionModifier, loc, urlPath, map[string]any{"labelled": labelled, "actual": actual})
	}

	c.checkContext(ex, u, result)

	if n.Name == "modifierExtension" {
		if !exModifier {
			result.Report(issue.DiagExtensionMustBeMod, loc, urlPath, map[string]any{"url": url})
		}
	} else if exModifier {
		result.Report(issue.DiagExtensionMustNotBeMod, loc, urlPath, map[string]any{"url": url})
	}

	allowed := valueTypes(ex)
	actual := c.valueType(n)
	switch {
	case actual == "":
		if len(allowed) > 0 {
			result.Report(issue.DiagExtensionSimpleNoValue, loc, urlPath, map[string]any{"url": url})
		}
	case !contains(allowed, actual):
		result.Report(issue.DiagExtensionWrongType, loc, urlPath, map[string]any{
			"url":     url,
			"allowed": strings.Join(allowed, ", "),
			"type":    actual,
		})
	}
	return ex
}

// resolve finds the definition of url, reporting why it could not be found.
func (c *Checker) resolve(u Use, url, urlPath string, result *issue.Result) *registry.StructureDefinition {
	loc := u.Node.Pos()
	if isAbsolute(url) {
		ex, err := c.resolver.Resolve(url)
		if err != nil {
			result.Rule(false, issue.CodeProcessing, loc, u.Path, "Unable to use the extension %s: %v", url, err)
			return nil
		}
		if ex != nil {
			return ex
		}
	}

	if xv, ok := c.crossVersion(url); ok {
		if xv.definition == nil {
			result.Report(issue.DiagExtensionCrossVersion, loc, urlPath, map[string]any{"url": url, "reason": xv.reason})
		}
		return xv.definition
	}

	if u.ParentURL != "" && !isAbsolute(url) {
		if u.Profile != nil && u.Profile.URL == u.ParentURL && !hasExtensionSlice(u.Profile, url) {
			result.Report(issue.DiagExtensionSubUnknown, loc, urlPath, map[string]any{"url": url, "parent": u.Profile.URL})
		}
		return nil
	}

	if !c.policy.allowed(url) {
		result.Report(issue.DiagExtensionNotAllowed, loc, u.Path, map[string]any{"url": url})
	} else if !c.policy.known(url) {
		result.Report(issue.DiagExtensionUnknown, loc, u.Path, map[string]any{"url": url})
	}
	return nil
}

// hasExtensionSlice reports whether profile declares a sub-extension
// whose url is fixed to name.
func hasExtensionSlice(profile *registry.StructureDefinition, name string) bool {
	if !profile.HasSnapshot() {
		return false
	}
	for i := range profile.Snapshot.Element {
		ed := &profile.Snapshot.Element[i]
		if ed.Path == "Extension.extension.url" && ed.HasFixed() && fixedString(ed.Fixed) == name {
			return true
		}
	}
	return false
}

// valueTypes lists the type codes Extension.value[x] allows; an empty list
// means the extension is complex.
func valueTypes(ex *registry.StructureDefinition) []string {
	for i := range ex.Snapshot.Element {
		ed := &ex.Snapshot.Element[i]
		if !strings.HasPrefix(ed.Path, "Extension.value") {
			continue
		}
		if ed.Max == "0" {
			return nil
		}
		var codes []string
		for j := range ed.Type {
			codes = append(codes, ed.Type[j].WorkingCode())
		}
		return codes
	}
	return nil
}

// valueType returns the type carried by value[x], lowercased for primitives.
func (c *Checker) valueType(n *element.Node) string {
	for _, ch := range n.Children {
		if !strings.HasPrefix(ch.Name, "value") || len(ch.Name) <= len("value") {
			continue
		}
		tn := ch.Name[len("value"):]
		lower := strings.ToLower(tn[:1]) + tn[1:]
		if sd, _ := c.resolver.ResolveType(lower); sd != nil && sd.Kind == registry.KindPrimitiveType {
			return lower
		}
		return tn
	}
	return ""
}

func (c *Checker) checkContext(ex *registry.StructureDefinition, u Use, result *issue.Result) {
	if len(ex.Context) == 0 {
		return
	}
	allowed := make([]string, 0, len(ex.Context))
	for _, ctx := range ex.Context {
		switch ctx.Type {
		case "element":
			if c.elementContext(ctx.Expression, u) {
				return
			}
		case "extension":
			if ctx.Expression == u.ParentURL {
				return
			}
		case "fhirpath":
			// expression contexts are not evaluated
			return
		}
		allowed = append(allowed, ctx.Type+"="+ctx.Expression)
	}
	result.Report(issue.DiagExtensionContext, u.Node.Pos(), u.Path, map[string]any{
		"url":     ex.URL,
		"allowed": strings.Join(allowed, ", "),
		"context": strings.Join(u.HostPaths, ", "),
	})
}

func (c *Checker) elementContext(expr string, u Use) bool {
	if expr == "Element" || expr == "*" {
		return true
	}
	for _, p := range u.HostPaths {
		if p == expr {
			return true
		}
	}
	if !strings.Contains(expr, ".") && u.HostType != "" {
		return c.inherits(u.HostType, expr)
	}
	return false
}

// inherits reports whether typeName is target or specializes it.
func (c *Checker) inherits(typeName, target string) bool {
	sd, _ := c.resolver.ResolveType(typeName)
	for depth := 0; sd != nil && depth < 32; depth++ {
		if sd.Type == target || sd.Name == target {
			return true
		}
		if sd.BaseDefinition == "" {
			return false
		}
		sd, _ = c.resolver.Resolve(sd.BaseDefinition)
	}
	return false
}

func isAbsolute(url string) bool {
	for _, p := range []string{"http:", "https:", "urn:", "file:", "ftp:"} {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func fixedString(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}
