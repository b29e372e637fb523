// Package fixedpattern validates fixed[x] and pattern[x] constraints from ElementDefinitions.
// A fixed value must match the instance exactly; a pattern only needs to be contained in it.
package fixedpattern

import (
	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
)

// Check compares n with the fixed and pattern values declared on ed.
// profile names the source in messages. It returns false if any error was added.
func Check(n *element.Node, ed *registry.ElementDefinition, profile *registry.StructureDefinition, path string, result *issue.Result) bool {
	if ed == nil || n == nil {
		return true
	}
	source := ""
	if profile != nil {
		source = profile.VersionedURL()
	}

	ok := true
	if ed.HasFixed() {
		ok = compare(n, ed.Fixed, false, source, path, result) && ok
	}
	if ed.HasPattern() {
		ok = compare(n, ed.Pattern, true, source, path, result) && ok
	}
	return ok
}

func compare(n *element.Node, raw []byte, pattern bool, source, path string, result *issue.Result) bool {
	want, err := decode(raw)
	if err != nil {
		logger.Debug("fixedpattern: undecodable value at %s: %v", path, err)
		return true
	}
	c := &comparison{pattern: pattern, source: source, result: result}
	return c.value(n, want, path)
}
