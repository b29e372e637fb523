// Package fhirtest builds a small in-memory set of core definitions for
// tests. The definitions follow the shape of the published R4 snapshots but
// only carry the elements the tests exercise.
package fhirtest

import (
	"strings"

	"github.com/gofhir/conformance/pkg/registry"
)

const systemString = "http://hl7.org/fhirpath/System.String"

// El builds a snapshot element. Types are given as codes; a code may carry
// target profiles after a '|' separated list, e.g. "Reference|Patient|Group".
func El(path string, min int, max string, types ...string) registry.ElementDefinition {
	ed := registry.ElementDefinition{ID: path, Path: path, Min: min, Max: max}
	for _, t := range types {
		parts := strings.Split(t, "|")
		tp := registry.Type{Code: parts[0]}
		for _, target := range parts[1:] {
			if !strings.Contains(target, "/") {
				target = registry.CoreURL + target
			}
			tp.TargetProfile = append(tp.TargetProfile, target)
		}
		ed.Type = append(ed.Type, tp)
	}
	return ed
}

// Bound adds a binding to an element.
func Bound(ed registry.ElementDefinition, strength, valueSet string) registry.ElementDefinition {
	ed.Binding = &registry.Binding{Strength: strength, ValueSet: valueSet}
	return ed
}

// SD builds a StructureDefinition with a snapshot.
func SD(name, kind, base string, elems ...registry.ElementDefinition) *registry.StructureDefinition {
	sd := &registry.StructureDefinition{
		ResourceType:   "StructureDefinition",
		ID:             name,
		URL:            registry.CoreURL + name,
		Version:        "4.0.1",
		Name:           name,
		Kind:           kind,
		Type:           name,
		Derivation:     "specialization",
		Snapshot:       &registry.Snapshot{Element: elems},
		BaseDefinition: "",
	}
	if base != "" {
		sd.BaseDefinition = registry.CoreURL + base
	}
	return sd
}

var primitives = []string{
	"boolean", "integer", "unsignedInt", "positiveInt", "integer64", "decimal",
	"string", "code", "id", "markdown", "uri", "url", "canonical", "oid", "uuid",
	"date", "dateTime", "instant", "time", "base64Binary", "xhtml",
}

func primitive(name string) *registry.StructureDefinition {
	base := "Element"
	switch name {
	case "code", "id", "markdown":
		base = "string"
	case "url", "canonical", "oid", "uuid":
		base = "uri"
	case "unsignedInt", "positiveInt":
		base = "integer"
	}
	value := El(name+".value", 0, "1", systemString)
	return SD(name, registry.KindPrimitiveType, base,
		El(name, 0, "*"),
		El(name+".id", 0, "1", systemString),
		extensionSlot(name+".extension"),
		value,
	)
}

func extensionSlot(path string) registry.ElementDefinition {
	ed := El(path, 0, "*", "Extension")
	ed.Slicing = &registry.Slicing{
		Discriminator: []registry.Discriminator{{Type: "value", Path: "url"}},
		Rules:         registry.RulesOpen,
	}
	return ed
}

func modifierSlot(path string) registry.ElementDefinition {
	ed := El(path, 0, "*", "Extension")
	ed.IsModifier = true
	return ed
}

// complexType prefixes the Element children (id, extension).
func complexType(name, base string, elems ...registry.ElementDefinition) *registry.StructureDefinition {
	all := []registry.ElementDefinition{El(name, 0, "*"), El(name+".id", 0, "1", systemString), extensionSlot(name + ".extension")}
	all = append(all, elems...)
	return SD(name, registry.KindComplexType, base, all...)
}

// backbone returns the id/extension/modifierExtension children of a
// BackboneElement at path.
func backbone(path string, min int, max string) []registry.ElementDefinition {
	return []registry.ElementDefinition{
		El(path, min, max, "BackboneElement"),
		El(path+".id", 0, "1", systemString),
		extensionSlot(path + ".extension"),
		modifierSlot(path + ".modifierExtension"),
	}
}

func resourceElems(name string) []registry.ElementDefinition {
	return []registry.ElementDefinition{
		El(name, 0, "*"),
		El(name+".id", 0, "1", systemString),
		El(name+".meta", 0, "1", "Meta"),
		El(name+".implicitRules", 0, "1", "uri"),
		Bound(El(name+".language", 0, "1", "code"), "preferred", "http://hl7.org/fhir/ValueSet/languages"),
	}
}

// domainResource builds a resource definition with the DomainResource
// elements in front of elems.
func domainResource(name string, elems ...registry.ElementDefinition) *registry.StructureDefinition {
	all := resourceElems(name)
	all = append(all,
		El(name+".text", 0, "1", "Narrative"),
		El(name+".contained", 0, "*", "Resource"),
		extensionSlot(name+".extension"),
		modifierSlot(name+".modifierExtension"),
	)
	all = append(all, elems...)
	return SD(name, registry.KindResource, "DomainResource", all...)
}

func join(groups ...[]registry.ElementDefinition) []registry.ElementDefinition {
	var out []registry.ElementDefinition
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func one(ed ...registry.ElementDefinition) []registry.ElementDefinition { return ed }

// CoreDefinitions returns fresh copies of the fixture definitions.
func CoreDefinitions() []*registry.StructureDefinition {
	var sds []*registry.StructureDefinition
	for _, p := range primitives {
		sds = append(sds, primitive(p))
	}

	element := SD("Element", registry.KindComplexType, "",
		El("Element", 0, "*"), El("Element.id", 0, "1", systemString), extensionSlot("Element.extension"))
	sds = append(sds, element)
	sds = append(sds, complexType("BackboneElement", "Element", modifierSlot("BackboneElement.modifierExtension")))

	extension := complexType("Extension", "Element",
		El("Extension.url", 1, "1", "uri"),
		El("Extension.value[x]", 0, "1", "base64Binary", "boolean", "canonical", "code", "date", "dateTime",
			"decimal", "id", "instant", "integer", "markdown", "oid", "positiveInt", "string", "time",
			"unsignedInt", "uri", "url", "uuid", "Address", "CodeableConcept", "Coding", "HumanName",
			"Identifier", "Period", "Quantity", "Reference"),
	)
	sds = append(sds, extension)

	sds = append(sds,
		complexType("Coding", "Element",
			El("Coding.system", 0, "1", "uri"),
			El("Coding.version", 0, "1", "string"),
			El("Coding.code", 0, "1", "code"),
			El("Coding.display", 0, "1", "string"),
			El("Coding.userSelected", 0, "1", "boolean"),
		),
		complexType("CodeableConcept", "Element",
			El("CodeableConcept.coding", 0, "*", "Coding"),
			El("CodeableConcept.text", 0, "1", "string"),
		),
		complexType("Identifier", "Element",
			Bound(El("Identifier.use", 0, "1", "code"), "required", "http://hl7.org/fhir/ValueSet/identifier-use|4.0.1"),
			El("Identifier.type", 0, "1", "CodeableConcept"),
			El("Identifier.system", 0, "1", "uri"),
			El("Identifier.value", 0, "1", "string"),
			El("Identifier.period", 0, "1", "Period"),
			El("Identifier.assigner", 0, "1", "Reference|Organization"),
		),
		complexType("Reference", "Element",
			El("Reference.reference", 0, "1", "string"),
			El("Reference.type", 0, "1", "uri"),
			El("Reference.identifier", 0, "1", "Identifier"),
			El("Reference.display", 0, "1", "string"),
		),
		complexType("Quantity", "Element",
			El("Quantity.value", 0, "1", "decimal"),
			El("Quantity.comparator", 0, "1", "code"),
			El("Quantity.unit", 0, "1", "string"),
			El("Quantity.system", 0, "1", "uri"),
			El("Quantity.code", 0, "1", "code"),
		),
		complexType("Period", "Element",
			El("Period.start", 0, "1", "dateTime"),
			El("Period.end", 0, "1", "dateTime"),
		),
		complexType("HumanName", "Element",
			El("HumanName.use", 0, "1", "code"),
			El("HumanName.text", 0, "1", "string"),
			El("HumanName.family", 0, "1", "string"),
			El("HumanName.given", 0, "*", "string"),
			El("HumanName.prefix", 0, "*", "string"),
			El("HumanName.period", 0, "1", "Period"),
		),
		complexType("Address", "Element",
			El("Address.use", 0, "1", "code"),
			El("Address.line", 0, "*", "string"),
			El("Address.city", 0, "1", "string"),
			El("Address.postalCode", 0, "1", "string"),
			El("Address.country", 0, "1", "string"),
		),
		complexType("Meta", "Element",
			El("Meta.versionId", 0, "1", "id"),
			El("Meta.lastUpdated", 0, "1", "instant"),
			El("Meta.profile", 0, "*", "canonical"),
			El("Meta.security", 0, "*", "Coding"),
			El("Meta.tag", 0, "*", "Coding"),
		),
		complexType("Narrative", "Element",
			El("Narrative.status", 1, "1", "code"),
			El("Narrative.div", 1, "1", "xhtml"),
		),
	)

	sds = append(sds,
		SD("Resource", registry.KindResource, "", resourceElems("Resource")...),
		domainResource("DomainResource"),
	)
	sds[len(sds)-1].BaseDefinition = registry.CoreURL + "Resource"

	sds = append(sds,
		domainResource("Patient",
			El("Patient.identifier", 0, "*", "Identifier"),
			El("Patient.active", 0, "1", "boolean"),
			El("Patient.name", 0, "*", "HumanName"),
			Bound(El("Patient.gender", 0, "1", "code"), "required", "http://hl7.org/fhir/ValueSet/administrative-gender|4.0.1"),
			El("Patient.birthDate", 0, "1", "date"),
			El("Patient.deceased[x]", 0, "1", "boolean", "dateTime"),
			El("Patient.address", 0, "*", "Address"),
			El("Patient.multipleBirth[x]", 0, "1", "boolean", "integer"),
			El("Patient.generalPractitioner", 0, "*", "Reference|Organization|Practitioner"),
			El("Patient.managingOrganization", 0, "1", "Reference|Organization"),
		),
		domainResource("Organization",
			El("Organization.identifier", 0, "*", "Identifier"),
			El("Organization.active", 0, "1", "boolean"),
			El("Organization.name", 0, "1", "string"),
		),
		domainResource("Group",
			El("Group.identifier", 0, "*", "Identifier"),
			El("Group.actual", 1, "1", "boolean"),
		),
		domainResource("Practitioner",
			El("Practitioner.identifier", 0, "*", "Identifier"),
			El("Practitioner.name", 0, "*", "HumanName"),
		),
		domainResource("Observation", join(
			one(
				El("Observation.identifier", 0, "*", "Identifier"),
				Bound(El("Observation.status", 1, "1", "code"), "required", "http://hl7.org/fhir/ValueSet/observation-status|4.0.1"),
				Bound(El("Observation.category", 0, "*", "CodeableConcept"), "preferred", "http://hl7.org/fhir/ValueSet/observation-category"),
				Bound(El("Observation.code", 1, "1", "CodeableConcept"), "example", "http://hl7.org/fhir/ValueSet/observation-codes"),
				El("Observation.subject", 0, "1", "Reference|Patient|Group"),
				El("Observation.effective[x]", 0, "1", "dateTime", "Period"),
				El("Observation.performer", 0, "*", "Reference|Practitioner|Organization|Patient"),
				El("Observation.value[x]", 0, "1", "Quantity", "CodeableConcept", "string", "boolean", "integer"),
				El("Observation.hasMember", 0, "*", "Reference|Observation"),
			),
			backbone("Observation.component", 0, "*"),
			one(
				El("Observation.component.code", 1, "1", "CodeableConcept"),
				El("Observation.component.value[x]", 0, "1", "Quantity", "CodeableConcept", "string"),
			),
		)...),
		domainResource("Composition", join(
			one(
				Bound(El("Composition.status", 1, "1", "code"), "required", "http://hl7.org/fhir/ValueSet/composition-status|4.0.1"),
				El("Composition.type", 1, "1", "CodeableConcept"),
				El("Composition.subject", 0, "1", "Reference|Resource"),
				El("Composition.encounter", 0, "1", "Reference|Resource"),
				El("Composition.date", 1, "1", "dateTime"),
				El("Composition.author", 1, "*", "Reference|Practitioner|Organization|Patient"),
				El("Composition.title", 1, "1", "string"),
				El("Composition.custodian", 0, "1", "Reference|Organization"),
			),
			backbone("Composition.section", 0, "*"),
			one(
				El("Composition.section.title", 0, "1", "string"),
				El("Composition.section.entry", 0, "*", "Reference|Resource"),
			),
		)...),
		domainResource("MessageHeader", join(
			one(El("MessageHeader.event[x]", 1, "1", "Coding", "uri")),
			backbone("MessageHeader.source", 1, "1"),
			one(
				El("MessageHeader.source.endpoint", 1, "1", "url"),
				El("MessageHeader.focus", 0, "*", "Reference|Resource"),
			),
		)...),
	)

	bundle := SD("Bundle", registry.KindResource, "Resource", join(
		resourceElems("Bundle"),
		one(
			El("Bundle.identifier", 0, "1", "Identifier"),
			Bound(El("Bundle.type", 1, "1", "code"), "required", "http://hl7.org/fhir/ValueSet/bundle-type|4.0.1"),
			El("Bundle.timestamp", 0, "1", "instant"),
		),
		backbone("Bundle.entry", 0, "*"),
		one(
			El("Bundle.entry.fullUrl", 0, "1", "uri"),
			El("Bundle.entry.resource", 0, "1", "Resource"),
		),
		backbone("Bundle.entry.response", 0, "1"),
		one(
			El("Bundle.entry.response.status", 1, "1", "string"),
			El("Bundle.entry.response.outcome", 0, "1", "Resource"),
		),
	)...)
	sds = append(sds, bundle)

	params := SD("Parameters", registry.KindResource, "Resource", join(
		resourceElems("Parameters"),
		backbone("Parameters.parameter", 0, "*"),
		one(
			El("Parameters.parameter.name", 1, "1", "string"),
			El("Parameters.parameter.value[x]", 0, "1", "string", "boolean", "code", "uri", "Coding"),
			El("Parameters.parameter.resource", 0, "1", "Resource"),
		),
	)...)
	part := El("Parameters.parameter.part", 0, "*")
	part.ContentReference = "#Parameters.parameter"
	params.Snapshot.Element = append(params.Snapshot.Element, part)
	sds = append(sds, params)
	sds = append(sds, SD("OperationOutcome", registry.KindResource, "DomainResource", join(
		resourceElems("OperationOutcome"),
		backbone("OperationOutcome.issue", 1, "*"),
		one(
			El("OperationOutcome.issue.severity", 1, "1", "code"),
			El("OperationOutcome.issue.code", 1, "1", "code"),
			El("OperationOutcome.issue.diagnostics", 0, "1", "string"),
		),
	)...))
	return sds
}

// NewRegistry returns a registry loaded with CoreDefinitions plus extra.
func NewRegistry(extra ...*registry.StructureDefinition) *registry.Registry {
	r := registry.New()
	for _, sd := range CoreDefinitions() {
		if err := r.AddStructureDefinition(sd); err != nil {
			panic(err)
		}
	}
	for _, sd := range extra {
		if err := r.AddStructureDefinition(sd); err != nil {
			panic(err)
		}
	}
	return r
}

// MustAdd registers raw JSON resources, panicking on error.
func MustAdd(r *registry.Registry, resources ...string) *registry.Registry {
	for _, res := range resources {
		if err := r.Add([]byte(res)); err != nil {
			panic(err)
		}
	}
	return r
}

// ExtensionSD builds an extension definition. A simple extension allows
// types on value[x]; with no types it is complex and its sub-extensions are
// the named slices of Extension.extension.
func ExtensionSD(url string, types []string, subs ...string) *registry.StructureDefinition {
	name := url[strings.LastIndexByte(url, '/')+1:]
	value := El("Extension.value[x]", 0, "1", types...)
	if len(types) == 0 {
		value.Max = "0"
	}
	elems := []registry.ElementDefinition{
		El("Extension", 0, "*"),
		El("Extension.id", 0, "1", systemString),
		extensionSlot("Extension.extension"),
	}
	for _, s := range subs {
		slice := El("Extension.extension", 0, "1", "Extension")
		slice.ID, slice.SliceName = "Extension.extension:"+s, s
		url := El("Extension.extension.url", 1, "1", "uri")
		url.ID = "Extension.extension:" + s + ".url"
		url.Fixed, url.FixedType = []byte(`"`+s+`"`), "Uri"
		val := El("Extension.extension.value[x]", 0, "1", "string", "code", "boolean", "Coding")
		val.ID = "Extension.extension:" + s + ".value[x]"
		elems = append(elems, slice, url, val)
	}
	fixed := El("Extension.url", 1, "1", "uri")
	fixed.Fixed, fixed.FixedType = []byte(`"`+url+`"`), "Uri"
	elems = append(elems, fixed, value)

	sd := SD(name, registry.KindComplexType, "Extension", elems...)
	sd.URL, sd.Type, sd.Derivation = url, "Extension", "constraint"
	sd.Context = []registry.ExtensionContext{{Type: "element", Expression: "Element"}}
	return sd
}
