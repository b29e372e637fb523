package terminology

import (
	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
)

// codeSystem is the lookup form of a CodeSystem resource.
type codeSystem struct {
	url     string
	content string
	display map[string]string
	// props holds code-valued concept properties: code -> property -> values.
	props    map[string]map[string][]string
	children map[string][]string
}

// complete reports whether every code of the system is listed.
func (cs *codeSystem) complete() bool {
	return cs.content == "" || cs.content == "complete"
}

func (cs *codeSystem) has(code string) bool {
	_, ok := cs.display[code]
	return ok
}

// descendants returns code's descendants, and code itself when self is set.
// Codes starting with '_' are abstract groupers and are left out.
func (cs *codeSystem) descendants(code string, self bool) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(c string)
	walk = func(c string) {
		if seen[c] {
			return
		}
		seen[c] = true
		if (self || c != code) && (c == "" || c[0] != '_') {
			out = append(out, c)
		}
		for _, ch := range cs.children[c] {
			walk(ch)
		}
	}
	walk(code)
	return out
}

func decodeCodeSystem(c *registry.Canonical) (*codeSystem, error) {
	var res r4.CodeSystem
	if err := json.Unmarshal(c.Data, &res); err != nil {
		return nil, err
	}
	content, _ := jsonparser.GetString(c.Data, "content")
	cs := &codeSystem{
		url:      c.URL,
		content:  content,
		display:  map[string]string{},
		props:    map[string]map[string][]string{},
		children: map[string][]string{},
	}
	cs.addConcepts(res.Concept, "")
	return cs, nil
}

func (cs *codeSystem) addConcepts(concepts []r4.CodeSystemConcept, parent string) {
	for i := range concepts {
		c := &concepts[i]
		if c.Code == nil {
			continue
		}
		code := *c.Code
		cs.display[code] = deref(c.Display)
		if parent != "" {
			cs.children[parent] = append(cs.children[parent], code)
		}
		for _, p := range c.Property {
			if p.Code == nil || p.ValueCode == nil {
				continue
			}
			if *p.Code == "subsumedBy" || *p.Code == "parent" {
				cs.children[*p.ValueCode] = append(cs.children[*p.ValueCode], code)
			}
			if cs.props[code] == nil {
				cs.props[code] = map[string][]string{}
			}
			cs.props[code][*p.Code] = append(cs.props[code][*p.Code], *p.ValueCode)
		}
		cs.addConcepts(c.Concept, code)
	}
}

// codeSystem returns the cached lookup form of system, or nil when the
// store does not hold it.
func (s *LocalService) codeSystem(system string) *codeSystem {
	if v, ok := s.systems.Load(system); ok {
		return v.(*codeSystem)
	}
	var cs *codeSystem
	if c := s.resolver.FetchCanonical("CodeSystem", system); c != nil {
		var err error
		if cs, err = decodeCodeSystem(c); err != nil {
			logger.Warn("terminology: decoding CodeSystem %s: %v", system, err)
			cs = nil
		}
	}
	s.systems.Store(system, cs)
	return cs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
