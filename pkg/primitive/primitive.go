// Package primitive checks the values of FHIR primitive types.
package primitive

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

const (
	maxStringLength      = 1024 * 1024
	minReasonableYear    = 1800
	reasonableYearsAhead = 80
	maxDecimalDigits     = 18
)

// Lexical forms from the FHIR datatypes page.
var builtin = map[string]*regexp.Regexp{
	"boolean":      regexp.MustCompile(`^(true|false)$`),
	"integer":      regexp.MustCompile(`^-?([0]|([1-9][0-9]*))$`),
	"integer64":    regexp.MustCompile(`^-?([0]|([1-9][0-9]*))$`),
	"unsignedInt":  regexp.MustCompile(`^([0]|([1-9][0-9]*))$`),
	"positiveInt":  regexp.MustCompile(`^\+?[1-9][0-9]*$`),
	"decimal":      regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`),
	"date":         regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1]))?)?$`),
	"dateTime":     regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1])(T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00)))?)?)?$`),
	"instant":      regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)-(0[1-9]|1[0-2])-(0[1-9]|[1-2][0-9]|3[0-1])T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))$`),
	"time":         regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?$`),
	"id":           regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`),
	"oid":          regexp.MustCompile(`^urn:oid:[0-2](\.(0|[1-9][0-9]*))+$`),
	"code":         regexp.MustCompile(`^[^\s]+( [^\s]+)*$`),
	"base64Binary": regexp.MustCompile(`^[0-9a-zA-Z+/=]*$`),
}

var jsonKinds = map[string]element.Kind{
	"boolean":     element.KindBool,
	"integer":     element.KindNumber,
	"unsignedInt": element.KindNumber,
	"positiveInt": element.KindNumber,
	"decimal":     element.KindNumber,
}

// Validator checks primitive values. It is safe for concurrent use.
type Validator struct {
	resolver registry.Resolver
	// regex extensions compiled by pattern text
	regexes sync.Map
	// type regexes from the primitive definitions, by type code
	typeRegex sync.Map
	now       func() time.Time
}

// New creates a Validator. The resolver supplies the regex extensions of the
// primitive type definitions; it may be nil.
func New(resolver registry.Resolver) *Validator {
	return &Validator{resolver: resolver, now: time.Now}
}

// IsStringBased reports whether code is represented as a JSON string.
func IsStringBased(code string) bool {
	_, ok := jsonKinds[code]
	return !ok
}

// Check validates the value of n as a code-typed primitive. Primitives that
// carry only extensions have nothing to check. It returns false when an
// error was reported.
func (v *Validator) Check(n *element.Node, code string, ed *registry.ElementDefinition, path string, result *issue.Result) bool {
	if !n.HasValue {
		return true
	}
	before := result.ErrorCount()
	loc := n.Pos()

	want := element.KindString
	if k, ok := jsonKinds[code]; ok {
		want = k
	}
	if n.Kind != want {
		result.Report(issue.DiagTypeWrongJSONType, loc, path, map[string]any{"expected": want.String(), "actual": n.Kind.String()})
		return false
	}

	value := n.Value
	switch code {
	case "boolean":
		result.Rule(builtin[code].MatchString(value), issue.CodeInvalid, loc, path,
			"boolean values must be 'true' or 'false'")
	case "integer", "unsignedInt", "positiveInt", "integer64":
		v.checkInteger(value, code, ed, loc, path, result)
	case "decimal":
		v.checkDecimal(value, ed, loc, path, result)
	case "date", "dateTime", "instant":
		v.checkDate(value, code, loc, path, result)
	case "time":
		result.Rule(builtin[code].MatchString(value), issue.CodeInvalid, loc, path,
			"Not a valid time (%s)", value)
	case "id":
		result.Rule(builtin[code].MatchString(value), issue.CodeInvalid, loc, path,
			"Invalid id '%s'", truncate(value))
	case "oid":
		result.Rule(builtin[code].MatchString(value), issue.CodeInvalid, loc, path,
			"OIDs must start with urn:oid: and contain only digits and dots (%s)", truncate(value))
	case "uuid":
		checkUUID(value, loc, path, result)
	case "uri", "url", "canonical":
		checkURI(value, code, loc, path, result)
	case "base64Binary":
		checkBase64(value, loc, path, result)
	case "code":
		if result.Rule(value != "", issue.CodeInvalid, loc, path, "@value cannot be empty") {
			result.Rule(builtin[code].MatchString(value), issue.CodeInvalid, loc, path,
				"The code '%s' is not valid (whitespace rules)", truncate(value))
		}
	case "xhtml":
		checkXHTML(value, loc, path, result)
	default:
		checkString(value, code, loc, path, result)
	}

	if ed != nil && ed.MaxLength > 0 && IsStringBased(code) {
		result.Rule(len([]rune(value)) <= ed.MaxLength, issue.CodeInvalid, loc, path,
			"value is longer than permitted maximum length of %d", ed.MaxLength)
	}
	v.checkRegex(value, code, ed, loc, path, result)
	return result.ErrorCount() == before
}

func (v *Validator) checkInteger(value, code string, ed *registry.ElementDefinition, loc issue.Location, path string, result *issue.Result) {
	if !builtin[code].MatchString(value) {
		result.Report(issue.DiagTypeInvalidFormat, loc, path, map[string]any{"value": truncate(value), "type": code})
		return
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(value, "+"), 10, 64)
	if code != "integer64" && (err != nil || n > math.MaxInt32 || n < math.MinInt32) {
		result.Rule(false, issue.CodeInvalid, loc, path, "The value '%s' is outside the range of 32 bit integers", value)
		return
	}
	if err != nil {
		result.Rule(false, issue.CodeInvalid, loc, path, "The value '%s' is outside the range of 64 bit integers", value)
		return
	}
	switch code {
	case "unsignedInt":
		result.Rule(n >= 0, issue.CodeInvalid, loc, path, "value is not a valid unsignedInt: %s", value)
	case "positiveInt":
		result.Rule(n >= 1, issue.CodeInvalid, loc, path, "value is not a valid positiveInt: %s", value)
	}
	if ed == nil {
		return
	}
	if min, ok := boundValue(ed.MinValue); ok {
		result.Rule(decimal.NewFromInt(n).GreaterThanOrEqual(min), issue.CodeInvalid, loc, path,
			"value is less than permitted minimum value of %s", min)
	}
	if max, ok := boundValue(ed.MaxValue); ok {
		result.Rule(decimal.NewFromInt(n).LessThanOrEqual(max), issue.CodeInvalid, loc, path,
			"value is greater than permitted maximum value of %s", max)
	}
}

func (v *Validator) checkDecimal(value string, ed *registry.ElementDefinition, loc issue.Location, path string, result *issue.Result) {
	if !builtin["decimal"].MatchString(value) {
		result.Report(issue.DiagTypeInvalidFormat, loc, path, map[string]any{"value": truncate(value), "type": "decimal"})
		return
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		result.Report(issue.DiagTypeInvalidFormat, loc, path, map[string]any{"value": truncate(value), "type": "decimal"})
		return
	}
	digits := len(strings.TrimLeft(d.Coefficient().String(), "-"))
	result.Hint(digits <= maxDecimalDigits, issue.CodeInvalid, loc, path,
		"The value '%s' is outside the range of commonly/reasonably supported decimals", truncate(value))
	if ed == nil {
		return
	}
	if min, ok := boundValue(ed.MinValue); ok {
		result.Rule(d.GreaterThanOrEqual(min), issue.CodeInvalid, loc, path,
			"value is less than permitted minimum value of %s", min)
	}
	if max, ok := boundValue(ed.MaxValue); ok {
		result.Rule(d.LessThanOrEqual(max), issue.CodeInvalid, loc, path,
			"value is greater than permitted maximum value of %s", max)
	}
}

func boundValue(raw []byte) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.Trim(string(raw), `"`))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func (v *Validator) checkDate(value, code string, loc issue.Location, path string, result *issue.Result) {
	if code != "date" && strings.Contains(value, "T") {
		tz := value[strings.IndexByte(value, 'T'):]
		if !strings.ContainsAny(tz, "Z+-") {
			result.Rule(false, issue.CodeInvalid, loc, path, "if a date has a time, it SHALL have a timezone")
			return
		}
	}
	if !builtin[code].MatchString(value) {
		result.Report(issue.DiagTypeInvalidFormat, loc, path, map[string]any{"value": truncate(value), "type": code})
		return
	}
	if !calendarValid(value) {
		result.Rule(false, issue.CodeInvalid, loc, path, "The value '%s' is not a valid %s", value, code)
		return
	}
	year, _ := strconv.Atoi(value[:4])
	limit := v.now().Year() + reasonableYearsAhead
	result.Warning(year >= minReasonableYear && year <= limit, issue.CodeInvalid, loc, path,
		"The value '%s' is outside the range of reasonable years - check for data entry error", value)
}

// calendarValid rejects day numbers the month does not have.
func calendarValid(value string) bool {
	if len(value) < len("2006-01-02") {
		return true
	}
	_, err := time.Parse("2006-01-02", value[:10])
	return err == nil
}

func checkUUID(value string, loc issue.Location, path string, result *issue.Result) {
	if !result.Rule(strings.HasPrefix(value, "urn:uuid:"), issue.CodeInvalid, loc, path,
		"UUIDs must start with urn:uuid: (%s)", truncate(value)) {
		return
	}
	raw := strings.TrimPrefix(value, "urn:uuid:")
	if _, err := uuid.Parse(raw); err != nil || len(raw) != 36 {
		result.Rule(false, issue.CodeInvalid, loc, path, "UUIDs must be valid (%s)", truncate(value))
		return
	}
	result.Rule(raw == strings.ToLower(raw), issue.CodeInvalid, loc, path, "UUIDs must be valid and lowercase (%s)", value)
}

func checkURI(value, code string, loc issue.Location, path string, result *issue.Result) {
	if !result.Rule(value != "", issue.CodeInvalid, loc, path, "@value cannot be empty") {
		return
	}
	if !result.Rule(!strings.ContainsAny(value, " \t\r\n"), issue.CodeInvalid, loc, path,
		"URI values cannot have whitespace ('%s')", truncate(value)) {
		return
	}
	result.Rule(!strings.HasPrefix(value, "urn:guid:"), issue.CodeInvalid, loc, path,
		"URIs cannot start with urn:guid: (%s)", value)
	switch {
	case strings.HasPrefix(value, "urn:oid:"):
		result.Rule(builtin["oid"].MatchString(value), issue.CodeInvalid, loc, path,
			"URI value %s is not a valid OID", value)
	case strings.HasPrefix(value, "urn:uuid:"):
		checkUUID(value, loc, path, result)
	case strings.HasPrefix(value, "oid:"), strings.HasPrefix(value, "uuid:"):
		result.Warning(false, issue.CodeInvalid, loc, path,
			"URI values should use the urn: form (urn:%s)", value)
	}
	if code == "url" {
		result.Rule(strings.Contains(value, ":"), issue.CodeInvalid, loc, path,
			"URL value '%s' must be absolute", truncate(value))
	}
}

func checkBase64(value string, loc issue.Location, path string, result *issue.Result) {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, value)
	if !result.Rule(builtin["base64Binary"].MatchString(compact), issue.CodeInvalid, loc, path,
		"The value '%s' is not a valid Base64 value", truncate(value)) {
		return
	}
	result.Rule(len(compact)%4 == 0, issue.CodeInvalid, loc, path,
		"The value '%s' is not a valid Base64 value (length must be a multiple of 4)", truncate(value))
}

func checkString(value, code string, loc issue.Location, path string, result *issue.Result) {
	if !result.Rule(value != "", issue.CodeInvalid, loc, path, "@value cannot be empty") {
		return
	}
	if code != "markdown" {
		result.Warning(strings.TrimSpace(value) == value, issue.CodeInvalid, loc, path,
			"value should not start or finish with whitespace '%s'", truncate(value))
	}
	result.Rule(len(value) <= maxStringLength, issue.CodeInvalid, loc, path,
		"value exceeds the maximum allowed length of %d", maxStringLength)
}

func checkXHTML(value string, loc issue.Location, path string, result *issue.Result) {
	v := strings.TrimSpace(value)
	if !result.Rule(strings.HasPrefix(v, "<div"), issue.CodeInvalid, loc, path,
		"Wrong name on the xhtml value - must start with div") {
		return
	}
	result.Rule(strings.Contains(v, `xmlns="http://www.w3.org/1999/xhtml"`), issue.CodeInvalid, loc, path,
		"Wrong namespace on the xhtml value - must be http://www.w3.org/1999/xhtml")
	result.Rule(!strings.Contains(strings.ToLower(v), "<script"), issue.CodeInvalid, loc, path,
		"The narrative contains unsafe content (script)")
}

// checkRegex applies regex extensions declared on the element's type and
// on the primitive type's own definition.
func (v *Validator) checkRegex(value, code string, ed *registry.ElementDefinition, loc issue.Location, path string, result *issue.Result) {
	var patterns []string
	if ed != nil {
		if t := ed.TypeFor(code); t != nil {
			if p, ok := registry.ExtensionString(t.Extension, registry.ExtRegex); ok {
				patterns = append(patterns, p)
			}
		}
		if p, ok := registry.ExtensionString(ed.Extension, registry.ExtRegex); ok {
			patterns = append(patterns, p)
		}
	}
	if p := v.typePattern(code); p != "" {
		patterns = append(patterns, p)
	}
	for _, p := range patterns {
		re := v.compile(p)
		if re == nil {
			continue
		}
		result.Rule(re.MatchString(value), issue.CodeInvalid, loc, path,
			"Element value '%s' does not meet regex '%s'", truncate(value), p)
	}
}

// typePattern returns the regex declared on code's value element. Builtin
// types are covered by the lexical table already.
func (v *Validator) typePattern(code string) string {
	if _, ok := builtin[code]; ok || v.resolver == nil {
		return ""
	}
	if p, ok := v.typeRegex.Load(code); ok {
		return p.(string)
	}
	pattern := ""
	if sd, err := v.resolver.ResolveType(code); err == nil && sd != nil && sd.Kind == registry.KindPrimitiveType {
		if ed := sd.ElementByID(sd.Type + ".value"); ed != nil {
			for _, t := range ed.Type {
				if p, ok := registry.ExtensionString(t.Extension, registry.ExtRegex); ok {
					pattern = p
				}
			}
		}
	}
	v.typeRegex.Store(code, pattern)
	return pattern
}

func (v *Validator) compile(pattern string) *regexp.Regexp {
	if re, ok := v.regexes.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil
	}
	v.regexes.Store(pattern, re)
	return re
}

func truncate(value string) string {
	if len(value) > 50 {
		return value[:47] + "..."
	}
	return value
}
