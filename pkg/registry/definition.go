package registry

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Well-known extension URLs read from definitions.
const (
	ExtXMLNoOrder   = "http://hl7.org/fhir/StructureDefinition/structuredefinition-xml-no-order"
	ExtBestPractice = "http://hl7.org/fhir/StructureDefinition/elementdefinition-bestpractice"
	ExtMaxValueSet  = "http://hl7.org/fhir/StructureDefinition/elementdefinition-maxValueSet"
	ExtRegex        = "http://hl7.org/fhir/StructureDefinition/regex"
	ExtFHIRType     = "http://hl7.org/fhir/StructureDefinition/structuredefinition-fhir-type"
)

// StructureDefinition.Kind constants.
const (
	KindResource      = "resource"
	KindComplexType   = "complex-type"
	KindPrimitiveType = "primitive-type"
	KindLogical       = "logical"
)

// CoreURL is the canonical base of the core specification's definitions.
const CoreURL = "http://hl7.org/fhir/StructureDefinition/"

// StructureDefinition is the subset of a FHIR StructureDefinition the engine
// needs.
type StructureDefinition struct {
	ResourceType   string      `json:"resourceType"`
	ID             string      `json:"id"`
	URL            string      `json:"url"`
	Version        string      `json:"version,omitempty"`
	Name           string      `json:"name"`
	Status         string      `json:"status,omitempty"`
	Kind           string      `json:"kind"`
	Abstract       bool        `json:"abstract"`
	Type           string      `json:"type"`
	BaseDefinition string      `json:"baseDefinition,omitempty"`
	Derivation     string      `json:"derivation,omitempty"`
	FHIRVersion    string      `json:"fhirVersion,omitempty"`
	Extension      []Extension `json:"extension,omitempty"`

	// Context defines where an extension can be used.
	Context []ExtensionContext `json:"context,omitempty"`

	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
	Differential *Differential `json:"differential,omitempty"`
}

// VersionedURL returns url|version, or just url when there is no version.
func (sd *StructureDefinition) VersionedURL() string {
	if sd.Version == "" {
		return sd.URL
	}
	return sd.URL + "|" + sd.Version
}

// Describe renders the profile the way validation messages cite it.
func (sd *StructureDefinition) Describe() string {
	return sd.VersionedURL() + " [" + sd.Name + "]"
}

// HasSnapshot reports whether the snapshot has at least one element.
func (sd *StructureDefinition) HasSnapshot() bool {
	return sd != nil && sd.Snapshot != nil && len(sd.Snapshot.Element) > 0
}

// Root returns the first snapshot element, or nil.
func (sd *StructureDefinition) Root() *ElementDefinition {
	if !sd.HasSnapshot() {
		return nil
	}
	return &sd.Snapshot.Element[0]
}

// ElementByID returns the snapshot element with the given id.
func (sd *StructureDefinition) ElementByID(id string) *ElementDefinition {
	if !sd.HasSnapshot() {
		return nil
	}
	for i := range sd.Snapshot.Element {
		if sd.Snapshot.Element[i].ID == id {
			return &sd.Snapshot.Element[i]
		}
	}
	return nil
}

// IndexOf returns the snapshot index of ed, or -1.
func (sd *StructureDefinition) IndexOf(ed *ElementDefinition) int {
	if !sd.HasSnapshot() {
		return -1
	}
	for i := range sd.Snapshot.Element {
		if &sd.Snapshot.Element[i] == ed {
			return i
		}
	}
	return -1
}

// NoOrder reports whether the profile relaxes element ordering.
func (sd *StructureDefinition) NoOrder() bool {
	v, ok := ExtensionBool(sd.Extension, ExtXMLNoOrder)
	return ok && v
}

// ExtensionContext defines where an extension can be used.
type ExtensionContext struct {
	Type       string `json:"type"`
	Expression string `json:"expression"`
}

// Snapshot contains the complete set of ElementDefinitions.
type Snapshot struct {
	Element []ElementDefinition `json:"element"`
}

// Differential contains only the modified ElementDefinitions.
type Differential struct {
	Element []ElementDefinition `json:"element"`
}

// UnmarshalJSON keeps the raw JSON of each differential element so it can be
// overlaid onto the base snapshot field by field.
func (d *Differential) UnmarshalJSON(data []byte) error {
	var raw struct {
		Element []json.RawMessage `json:"element"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Element = make([]ElementDefinition, len(raw.Element))
	for i, elemRaw := range raw.Element {
		if err := json.Unmarshal(elemRaw, &d.Element[i]); err != nil {
			return err
		}
		d.Element[i].raw = elemRaw
	}
	return nil
}

// ElementDefinition represents a FHIR ElementDefinition.
type ElementDefinition struct {
	ID               string       `json:"id,omitempty"`
	Path             string       `json:"path"`
	SliceName        string       `json:"sliceName,omitempty"`
	Min              int          `json:"min"`
	Max              string       `json:"max,omitempty"`
	Base             *Base        `json:"base,omitempty"`
	Type             []Type       `json:"type,omitempty"`
	ContentReference string       `json:"contentReference,omitempty"`
	Binding          *Binding     `json:"binding,omitempty"`
	Constraint       []Constraint `json:"constraint,omitempty"`
	Slicing          *Slicing     `json:"slicing,omitempty"`
	IsModifier       bool         `json:"isModifier,omitempty"`
	MustSupport      bool         `json:"mustSupport,omitempty"`
	MaxLength        int          `json:"maxLength,omitempty"`
	Representation   []string     `json:"representation,omitempty"`
	Extension        []Extension  `json:"extension,omitempty"`

	// Polymorphic properties keep their raw value and the type suffix of the
	// JSON key (fixedUri -> "Uri").
	Fixed        json.RawMessage `json:"-"`
	FixedType    string          `json:"-"`
	Pattern      json.RawMessage `json:"-"`
	PatternType  string          `json:"-"`
	MinValue     json.RawMessage `json:"-"`
	MinValueType string          `json:"-"`
	MaxValue     json.RawMessage `json:"-"`
	MaxValueType string          `json:"-"`

	raw json.RawMessage
}

// Base records where an element was originally defined.
type Base struct {
	Path string `json:"path"`
	Min  int    `json:"min"`
	Max  string `json:"max"`
}

// UnmarshalJSON decodes the fixed fields and picks up the [x] properties.
// Decoding onto an existing element only overwrites what data carries.
func (ed *ElementDefinition) UnmarshalJSON(data []byte) error {
	type plain ElementDefinition
	if err := json.Unmarshal(data, (*plain)(ed)); err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for key, value := range obj {
		switch {
		case hasTypedPrefix(key, "fixed"):
			ed.Fixed, ed.FixedType = value, key[len("fixed"):]
		case hasTypedPrefix(key, "pattern"):
			ed.Pattern, ed.PatternType = value, key[len("pattern"):]
		case hasTypedPrefix(key, "minValue"):
			ed.MinValue, ed.MinValueType = value, key[len("minValue"):]
		case hasTypedPrefix(key, "maxValue"):
			ed.MaxValue, ed.MaxValueType = value, key[len("maxValue"):]
		}
	}
	return nil
}

func hasTypedPrefix(key, prefix string) bool {
	return len(key) > len(prefix) && strings.HasPrefix(key, prefix) &&
		key[len(prefix)] >= 'A' && key[len(prefix)] <= 'Z'
}

// HasFixed reports whether a fixed[x] value is declared.
func (ed *ElementDefinition) HasFixed() bool { return len(ed.Fixed) > 0 }

// HasPattern reports whether a pattern[x] value is declared.
func (ed *ElementDefinition) HasPattern() bool { return len(ed.Pattern) > 0 }

// GetFixed returns fixed[x], its type suffix, and whether it exists.
func (ed *ElementDefinition) GetFixed() (json.RawMessage, string, bool) {
	return ed.Fixed, ed.FixedType, ed.HasFixed()
}

// GetPattern returns pattern[x], its type suffix, and whether it exists.
func (ed *ElementDefinition) GetPattern() (json.RawMessage, string, bool) {
	return ed.Pattern, ed.PatternType, ed.HasPattern()
}

// Tail is the last segment of the path (e.g. "value[x]").
func (ed *ElementDefinition) Tail() string {
	if i := strings.LastIndexByte(ed.Path, '.'); i >= 0 {
		return ed.Path[i+1:]
	}
	return ed.Path
}

// IsChoice reports whether the element is polymorphic (name ends in [x]).
func (ed *ElementDefinition) IsChoice() bool {
	return strings.HasSuffix(ed.Path, "[x]")
}

// IsSlice reports whether the element is a named slice.
func (ed *ElementDefinition) IsSlice() bool { return ed.SliceName != "" }

// MaxCount returns the numeric max and false when max is "*" or unset.
func (ed *ElementDefinition) MaxCount() (int, bool) {
	if ed.Max == "" || ed.Max == "*" {
		return 0, false
	}
	n, err := strconv.Atoi(ed.Max)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TypeCodes returns the type codes in declaration order.
func (ed *ElementDefinition) TypeCodes() []string {
	codes := make([]string, 0, len(ed.Type))
	for _, t := range ed.Type {
		codes = append(codes, t.Code)
	}
	return codes
}

// TypeFor returns the declared type with the given code, or nil.
func (ed *ElementDefinition) TypeFor(code string) *Type {
	for i := range ed.Type {
		if ed.Type[i].Code == code {
			return &ed.Type[i]
		}
	}
	return nil
}

// HasRepresentation reports whether representation contains r.
func (ed *ElementDefinition) HasRepresentation(r string) bool {
	for _, v := range ed.Representation {
		if v == r {
			return true
		}
	}
	return false
}

// Type represents an allowed type for an element.
type Type struct {
	Code          string      `json:"code"`
	Profile       []string    `json:"profile,omitempty"`
	TargetProfile []string    `json:"targetProfile,omitempty"`
	Aggregation   []string    `json:"aggregation,omitempty"`
	Versioning    string      `json:"versioning,omitempty"`
	Extension     []Extension `json:"extension,omitempty"`
}

// WorkingCode returns the code, resolving the fhir-type extension used by
// the core definitions for the id/extension-url System.String elements.
func (t *Type) WorkingCode() string {
	if v, ok := ExtensionString(t.Extension, ExtFHIRType); ok {
		return v
	}
	return t.Code
}

// HasAggregation reports whether mode is one of the aggregation modes.
func (t *Type) HasAggregation(mode string) bool {
	for _, a := range t.Aggregation {
		if a == mode {
			return true
		}
	}
	return false
}

// Extension represents a FHIR extension on a definition.
type Extension struct {
	URL            string `json:"url"`
	ValueString    string `json:"valueString,omitempty"`
	ValueURL       string `json:"valueUrl,omitempty"`
	ValueURI       string `json:"valueUri,omitempty"`
	ValueCanonical string `json:"valueCanonical,omitempty"`
	ValueCode      string `json:"valueCode,omitempty"`
	ValueBoolean   *bool  `json:"valueBoolean,omitempty"`
	ValueInteger   *int   `json:"valueInteger,omitempty"`
}

// String returns the first non-empty string-ish value.
func (e Extension) String() string {
	for _, v := range []string{e.ValueString, e.ValueURL, e.ValueURI, e.ValueCanonical, e.ValueCode} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ExtensionString returns the string value of the first extension with url.
func ExtensionString(exts []Extension, url string) (string, bool) {
	for _, e := range exts {
		if e.URL == url {
			return e.String(), true
		}
	}
	return "", false
}

// ExtensionBool returns the boolean value of the first extension with url.
func ExtensionBool(exts []Extension, url string) (bool, bool) {
	for _, e := range exts {
		if e.URL == url && e.ValueBoolean != nil {
			return *e.ValueBoolean, true
		}
	}
	return false, false
}

// Binding represents a terminology binding.
type Binding struct {
	Strength    string      `json:"strength"`
	ValueSet    string      `json:"valueSet,omitempty"`
	Description string      `json:"description,omitempty"`
	Extension   []Extension `json:"extension,omitempty"`
}

// MaxValueSet returns the maxValueSet extension value, if any.
func (b *Binding) MaxValueSet() string {
	v, _ := ExtensionString(b.Extension, ExtMaxValueSet)
	return v
}

// Constraint represents a FHIRPath invariant.
type Constraint struct {
	Key        string      `json:"key"`
	Severity   string      `json:"severity"`
	Human      string      `json:"human"`
	Expression string      `json:"expression,omitempty"`
	XPath      string      `json:"xpath,omitempty"`
	Source     string      `json:"source,omitempty"`
	Extension  []Extension `json:"extension,omitempty"`
}

// IsBestPractice reports whether the constraint carries the best-practice flag.
func (c *Constraint) IsBestPractice() bool {
	v, ok := ExtensionBool(c.Extension, ExtBestPractice)
	return ok && v
}

// Slicing represents slicing rules for an element.
type Slicing struct {
	Discriminator []Discriminator `json:"discriminator,omitempty"`
	Description   string          `json:"description,omitempty"`
	Ordered       bool            `json:"ordered,omitempty"`
	Rules         string          `json:"rules"`
}

// Slicing rules.
const (
	RulesClosed    = "closed"
	RulesOpen      = "open"
	RulesOpenAtEnd = "openAtEnd"
)

// Discriminator defines how to match elements to slices.
type Discriminator struct {
	Type string `json:"type"`
	Path string `json:"path"`
}
