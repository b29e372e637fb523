package extension

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
)

// Cross-version extensions carry an element from another FHIR release,
// e.g. http://hl7.org/fhir/3.0/StructureDefinition/extension-Patient.animal.
var crossVersionURL = regexp.MustCompile(`^http://hl7\.org/fhir/([0-9]+\.[0-9]+)/StructureDefinition/extension-([A-Za-z][A-Za-z0-9]*(\.[A-Za-z][A-Za-z0-9\[\]]*)*)$`)

var releases = map[string]bool{"1.0": true, "3.0": true, "4.0": true, "4.3": true, "5.0": true}

type crossVersion struct {
	definition *registry.StructureDefinition
	reason     string
}

// crossVersion recognises url as a cross-version extension and either
// synthesizes its definition or explains why it is not valid.
func (c *Checker) crossVersion(url string) (*crossVersion, bool) {
	m := crossVersionURL.FindStringSubmatch(url)
	if m == nil {
		return nil, false
	}
	if cached, ok := c.xver.Load(url); ok {
		return cached.(*crossVersion), true
	}

	release, id := m[1], m[2]
	xv := &crossVersion{}
	switch base, ed := c.element(id); {
	case !releases[release]:
		xv.reason = fmt.Sprintf("invalidVersion %q", release)
	case ed == nil:
		xv.reason = fmt.Sprintf("unknown Element id %q", id)
	case strings.HasPrefix(fhirVersion(base), release+"."):
		xv.reason = fmt.Sprintf("Element id %q is valid, but cannot be used in a cross-version paradigm because there has been no changes across the relevant versions", id)
	default:
		xv.definition = crossVersionDefinition(url, id, ed)
		logger.Debug("extension: synthesized cross-version definition %s", url)
	}
	c.xver.Store(url, xv)
	return xv, true
}

// element finds the element id names in the definition of its root type.
func (c *Checker) element(id string) (*registry.StructureDefinition, *registry.ElementDefinition) {
	typeName := id
	if i := strings.IndexByte(id, '.'); i > 0 {
		typeName = id[:i]
	}
	sd, _ := c.resolver.ResolveType(typeName)
	if sd == nil {
		return nil, nil
	}
	return sd, sd.ElementByID(id)
}

func fhirVersion(sd *registry.StructureDefinition) string {
	if sd.FHIRVersion != "" {
		return sd.FHIRVersion
	}
	return sd.Version
}

// crossVersionDefinition builds an extension whose value carries the types
// of ed. Elements without a usable value type become complex extensions.
func crossVersionDefinition(url, id string, ed *registry.ElementDefinition) *registry.StructureDefinition {
	fixedURL, _ := json.Marshal(url)
	value := registry.ElementDefinition{ID: "Extension.value[x]", Path: "Extension.value[x]", Min: 0, Max: "1"}
	for _, t := range ed.Type {
		if t.Code == "BackboneElement" || t.Code == "Element" {
			continue
		}
		value.Type = append(value.Type, registry.Type{Code: t.Code, TargetProfile: t.TargetProfile})
	}
	subs := registry.ElementDefinition{
		ID: "Extension.extension", Path: "Extension.extension", Min: 0, Max: "0",
		Type: []registry.Type{{Code: "Extension"}},
	}
	if len(value.Type) == 0 {
		value.Max = "0"
		subs.Max = "*"
	}

	return &registry.StructureDefinition{
		ResourceType:   "StructureDefinition",
		ID:             "extension-" + id,
		URL:            url,
		Name:           "Extension_" + strings.NewReplacer(".", "_", "[x]", "").Replace(id),
		Status:         "active",
		Kind:           registry.KindComplexType,
		Type:           "Extension",
		BaseDefinition: registry.CoreURL + "Extension",
		Derivation:     "constraint",
		Context:        []registry.ExtensionContext{{Type: "element", Expression: "Element"}},
		Snapshot: &registry.Snapshot{Element: []registry.ElementDefinition{
			{ID: "Extension", Path: "Extension", Min: 0, Max: "*", IsModifier: ed.IsModifier},
			subs,
			{
				ID: "Extension.url", Path: "Extension.url", Min: 1, Max: "1",
				Type:  []registry.Type{{Code: "uri"}},
				Fixed: fixedURL, FixedType: "Uri",
			},
			value,
		}},
	}
}
