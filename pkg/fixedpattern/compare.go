package fixedpattern

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/gofhir/conformance/pkg/element"
	"github.com/gofhir/conformance/pkg/issue"
)

// comparison walks one fixed or pattern value against an instance subtree.
type comparison struct {
	pattern bool
	source  string
	result  *issue.Result
}

func (c *comparison) kind() string {
	if c.pattern {
		return "pattern"
	}
	return "fixed value"
}

// value compares a declared value with node.
func (c *comparison) value(node *element.Node, want any, path string) bool {
	switch w := want.(type) {
	case map[string]any:
		return c.object(node, w, path)
	case []any:
		// arrays only appear as object members
		return true
	default:
		return c.primitive(node, w, path)
	}
}

func (c *comparison) primitive(node *element.Node, want any, path string) bool {
	wantText := scalarText(want)
	if !node.HasValue {
		return c.result.Rule(false, issue.CodeValue, node.Pos(), path,
			"Value is missing but must be '%s'", wantText)
	}
	ok := node.Value == wantText
	if n, isNum := want.(json.Number); isNum && node.Kind == element.KindNumber {
		ok = decimalEqual(node.Value, n.String())
	}
	if !ok {
		if c.pattern {
			return c.result.Rule(false, issue.CodeValue, node.Pos(), path,
				"Value is '%s' but must be '%s' (pattern)", node.Value, wantText)
		}
		return c.result.Rule(false, issue.CodeValue, node.Pos(), path,
			"Value is '%s' but must be '%s'", node.Value, wantText)
	}
	if !c.pattern {
		return c.noExtensions(node, path)
	}
	return true
}

func (c *comparison) object(node *element.Node, want map[string]any, path string) bool {
	ok := true
	keys := make([]string, 0, len(want))
	for k := range want {
		if k != "id" && k != "extension" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		got := node.ChildrenNamed(key)
		childPath := path + "." + key
		switch w := want[key].(type) {
		case []any:
			ok = c.list(node, got, w, key, childPath) && ok
		default:
			if len(got) == 0 {
				ok = c.result.Rule(false, issue.CodeValue, node.Pos(), path,
					"Missing element '%s' - required by %s assigned in profile %s", key, c.kind(), c.source) && ok
				continue
			}
			ok = c.value(got[0], w, itemPath(childPath, got[0])) && ok
		}
	}

	if !c.pattern {
		for _, child := range node.Children {
			if child.Name == "id" || child.Name == "extension" {
				continue
			}
			if _, declared := want[child.Name]; !declared {
				ok = c.result.Rule(false, issue.CodeValue, child.Pos(), itemPath(path+"."+child.Name, child),
					"The element %s is present in the instance but not allowed in the applicable %s specified in profile", child.Name, c.kind()) && ok
			}
		}
	}
	return c.extensions(node, want, path) && ok
}

// list compares repeating fields. A fixed value needs the same count, checked
// before any element-wise comparison; a pattern needs each of its items to
// be present somewhere in the instance.
func (c *comparison) list(parent *element.Node, got []*element.Node, want []any, name, path string) bool {
	if !c.pattern {
		if !c.result.Rule(len(got) == len(want), issue.CodeValue, parent.Pos(), path,
			"Expected %d but found %d %s elements", len(want), len(got), name) {
			return false
		}
		ok := true
		for i, w := range want {
			ok = c.value(got[i], w, itemPath(path, got[i])) && ok
		}
		return ok
	}

	ok := true
	for _, w := range want {
		if !c.found(got, w, path) {
			ok = c.result.Rule(false, issue.CodeValue, parent.Pos(), path,
				"The pattern [%s] defined in the profile %s not found", describe(w), c.source) && ok
		}
	}
	return ok
}

// found tries each candidate in a scratch buffer so failed attempts leave
// no messages behind.
func (c *comparison) found(got []*element.Node, want any, path string) bool {
	for _, g := range got {
		trial := &comparison{pattern: c.pattern, source: c.source, result: issue.NewResult()}
		if trial.value(g, want, path) && !trial.result.HasErrors() {
			return true
		}
	}
	return false
}

// extensions matches declared extensions one-for-one by url.
func (c *comparison) extensions(node *element.Node, want map[string]any, path string) bool {
	got := node.ChildrenNamed("extension")
	declared, _ := want["extension"].([]any)
	if len(declared) == 0 {
		if c.pattern {
			return true
		}
		return c.result.Rule(len(got) == 0, issue.CodeValue, node.Pos(), path,
			"No extensions allowed, as the specified fixed value doesn't contain any extensions")
	}
	if !c.pattern && !c.result.Rule(len(got) == len(declared), issue.CodeValue, node.Pos(), path,
		"Extension count mismatch: should be %d but is %d", len(declared), len(got)) {
		return false
	}
	ok := true
	for _, d := range declared {
		ext, _ := d.(map[string]any)
		url, _ := ext["url"].(string)
		matches := node.Extensions(url)
		if !c.result.Rule(len(matches) > 0, issue.CodeValue, node.Pos(), path,
			"Extension count mismatch: unable to find extension: %s", url) {
			ok = false
			continue
		}
		ok = c.value(matches[0], ext, itemPath(path+".extension", matches[0])) && ok
	}
	return ok
}

func (c *comparison) noExtensions(node *element.Node, path string) bool {
	return c.result.Rule(len(node.ChildrenNamed("extension")) == 0, issue.CodeValue, node.Pos(), path,
		"No extensions allowed, as the specified fixed value doesn't contain any extensions")
}

func itemPath(path string, n *element.Node) string {
	if n.IsList {
		return path + "[" + strconv.Itoa(n.Index) + "]"
	}
	return path
}

func decimalEqual(a, b string) bool {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return a == b
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return a == b
	}
	return da.Equal(db)
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func scalarText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// describe renders a declared value compactly, e.g. system|code for codings.
func describe(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return scalarText(v)
	}
	if sys, ok := obj["system"].(string); ok {
		if code, ok := obj["code"].(string); ok {
			return "system " + sys + ", code " + code
		}
		if value, ok := obj["value"].(string); ok {
			return "system " + sys + ", value " + value
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+describe(obj[k]))
	}
	return strings.Join(parts, ", ")
}
