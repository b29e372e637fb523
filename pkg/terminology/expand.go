package terminology

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/conformance/pkg/registry"
)

const maxExpansionDepth = 16

// expansion is the set of codes a value set contains, by system. Systems
// the value set includes whole but that are not held locally are listed in
// open: membership of their codes cannot be decided.
type expansion struct {
	url   string
	codes map[string]map[string]string
	open  map[string]bool
}

func newExpansion(url string) *expansion {
	return &expansion{url: url, codes: map[string]map[string]string{}, open: map[string]bool{}}
}

func (e *expansion) add(system, code, display string) {
	if e.codes[system] == nil {
		e.codes[system] = map[string]string{}
	}
	e.codes[system][code] = display
}

func (e *expansion) merge(o *expansion) {
	for sys, codes := range o.codes {
		for code, d := range codes {
			e.add(sys, code, d)
		}
	}
	for sys := range o.open {
		e.open[sys] = true
	}
}

// find looks code up in system, or in every system when system is empty.
func (e *expansion) find(system, code string) (string, bool) {
	if system != "" {
		d, ok := e.codes[system][code]
		return d, ok
	}
	for _, codes := range e.codes {
		if d, ok := codes[code]; ok {
			return d, true
		}
	}
	return "", false
}

// expand returns the cached expansion of vs.
func (s *LocalService) expand(vs *registry.Canonical) (*expansion, error) {
	return s.expandDepth(vs, 0)
}

func (s *LocalService) expandDepth(vs *registry.Canonical, depth int) (*expansion, error) {
	key := vs.VersionedURL()
	if v, ok := s.expansions.Load(key); ok {
		return v.(*expansion), nil
	}
	if depth > maxExpansionDepth {
		return nil, fmt.Errorf("value set %s: imports nested too deeply", vs.URL)
	}
	exp, err := s.build(vs, depth)
	if err != nil {
		return nil, err
	}
	s.expansions.Store(key, exp)
	return exp, nil
}

func (s *LocalService) build(vs *registry.Canonical, depth int) (*expansion, error) {
	var res r4.ValueSet
	if err := json.Unmarshal(vs.Data, &res); err != nil {
		return nil, fmt.Errorf("decoding value set %s: %w", vs.URL, err)
	}
	exp := newExpansion(vs.URL)

	if res.Expansion != nil {
		for i := range res.Expansion.Contains {
			addContains(exp, &res.Expansion.Contains[i])
		}
		return exp, nil
	}
	if res.Compose == nil {
		return exp, nil
	}

	for i := range res.Compose.Include {
		part, err := s.include(vs, &res.Compose.Include[i], i, depth)
		if err != nil {
			return nil, err
		}
		exp.merge(part)
	}
	s.exclude(vs, exp)
	return exp, nil
}

func addContains(exp *expansion, c *r4.ValueSetExpansionContains) {
	if c.System != nil && c.Code != nil {
		exp.add(*c.System, *c.Code, deref(c.Display))
	}
	for i := range c.Contains {
		addContains(exp, &c.Contains[i])
	}
}

// include expands one compose.include entry.
func (s *LocalService) include(vs *registry.Canonical, inc *r4.ValueSetComposeInclude, idx, depth int) (*expansion, error) {
	part := newExpansion(vs.URL)
	system := deref(inc.System)

	if system != "" {
		if err := s.includeSystem(part, system, inc); err != nil {
			return nil, fmt.Errorf("value set %s: %w", vs.URL, err)
		}
	}

	var imports []string
	_, _ = jsonparser.ArrayEach(vs.Data, func(v []byte, t jsonparser.ValueType, _ int, _ error) {
		if t == jsonparser.String {
			imports = append(imports, string(v))
		}
	}, "compose", "include", "["+strconv.Itoa(idx)+"]", "valueSet")

	for _, url := range imports {
		nested := s.resolver.FetchCanonical("ValueSet", url)
		if nested == nil {
			return nil, fmt.Errorf("value set %s: imported value set %s not found", vs.URL, url)
		}
		sub, err := s.expandDepth(nested, depth+1)
		if err != nil {
			return nil, err
		}
		if system == "" {
			part.merge(sub)
			continue
		}
		for code := range part.codes[system] {
			if _, ok := sub.find(system, code); !ok {
				delete(part.codes[system], code)
			}
		}
	}
	return part, nil
}

func (s *LocalService) includeSystem(part *expansion, system string, inc *r4.ValueSetComposeInclude) error {
	cs := s.codeSystem(system)

	if len(inc.Concept) > 0 {
		for i := range inc.Concept {
			c := &inc.Concept[i]
			if c.Code == nil {
				continue
			}
			display := deref(c.Display)
			if display == "" && cs != nil {
				display = cs.display[*c.Code]
			}
			part.add(system, *c.Code, display)
		}
		return nil
	}

	if cs == nil || !cs.complete() {
		part.open[system] = true
		return nil
	}

	codes := make(map[string]bool, len(cs.display))
	for code := range cs.display {
		codes[code] = true
	}
	for i := range inc.Filter {
		f := &inc.Filter[i]
		if f.Property == nil || f.Op == nil || f.Value == nil {
			continue
		}
		keep, err := applyFilter(cs, *f.Property, string(*f.Op), *f.Value)
		if err != nil {
			return err
		}
		for code := range codes {
			if !keep[code] {
				delete(codes, code)
			}
		}
	}
	for code := range codes {
		part.add(system, code, cs.display[code])
	}
	return nil
}

// applyFilter returns the codes of cs that satisfy property op value.
func applyFilter(cs *codeSystem, property, op, value string) (map[string]bool, error) {
	keep := map[string]bool{}
	switch {
	case property == "concept" && (op == "is-a" || op == "descendent-of"):
		for _, c := range cs.descendants(value, op == "is-a") {
			keep[c] = true
		}
	case property == "concept" && op == "is-not-a":
		excluded := map[string]bool{}
		for _, c := range cs.descendants(value, true) {
			excluded[c] = true
		}
		for code := range cs.display {
			if !excluded[code] {
				keep[code] = true
			}
		}
	case (property == "concept" || property == "code") && op == "in":
		for _, c := range strings.Split(value, ",") {
			keep[strings.TrimSpace(c)] = true
		}
	case property == "code" && op == "regex":
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("filter regex %q: %w", value, err)
		}
		for code := range cs.display {
			if re.MatchString(code) {
				keep[code] = true
			}
		}
	case (property == "code" || property == "concept") && op == "=":
		keep[value] = true
	case op == "=":
		for code, props := range cs.props {
			for _, v := range props[property] {
				if v == value {
					keep[code] = true
				}
			}
		}
	default:
		return nil, fmt.Errorf("filter %s %s %s on %s is not supported", property, op, value, cs.url)
	}
	return keep, nil
}

// exclude removes compose.exclude concepts and whole excluded systems.
func (s *LocalService) exclude(vs *registry.Canonical, exp *expansion) {
	_, _ = jsonparser.ArrayEach(vs.Data, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		system, _ := jsonparser.GetString(v, "system")
		if system == "" {
			return
		}
		listed := false
		_, _ = jsonparser.ArrayEach(v, func(c []byte, _ jsonparser.ValueType, _ int, _ error) {
			listed = true
			if code, err := jsonparser.GetString(c, "code"); err == nil {
				delete(exp.codes[system], code)
			}
		}, "concept")
		if !listed {
			delete(exp.codes, system)
			delete(exp.open, system)
		}
	}, "compose", "exclude")
}
