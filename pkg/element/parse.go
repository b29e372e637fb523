package element

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/location"
)

// ErrNotObject is returned when the document root is not a JSON object.
var ErrNotObject = errors.New("resource must be a JSON object")

// rawValue is the first-pass, position-annotated JSON tree.
type rawValue struct {
	kind    Kind
	text    string
	members []rawMember
	items   []*rawValue
	isArray bool
	offset  int
}

type rawMember struct {
	key    string
	val    *rawValue
	offset int
}

func (m *rawValue) member(key string) *rawValue {
	for i := range m.members {
		if m.members[i].key == key {
			return m.members[i].val
		}
	}
	return nil
}

// Parse decodes FHIR JSON into a Node tree. Syntax errors are returned as an
// error; FHIR JSON shape problems (nulls, duplicate keys, malformed
// primitive companions) are returned as issues alongside a usable tree.
func Parse(data []byte) (*Node, []issue.Issue, error) {
	p := &parser{
		dec: json.NewDecoder(bytes.NewReader(data)),
		ix:  location.NewIndex(data),
	}
	p.dec.UseNumber()

	root, err := p.parseValue()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := p.dec.Token(); err != io.EOF {
		return nil, nil, fmt.Errorf("invalid JSON: unexpected content after the resource")
	}
	if root.kind != KindObject || root.isArray {
		return nil, nil, ErrNotObject
	}

	rt := root.member("resourceType")
	node := &Node{Index: -1}
	p.setPos(node, root.offset)
	if rt != nil && rt.kind == KindString {
		node.Name = rt.text
	}
	p.buildObject(node, root, node.Name)
	return node, p.issues, nil
}

type parser struct {
	dec    *json.Decoder
	ix     *location.Index
	issues []issue.Issue
}

func (p *parser) offset() int {
	return p.ix.TokenStart(int(p.dec.InputOffset()))
}

func (p *parser) parseValue() (*rawValue, error) {
	off := p.offset()
	tok, err := p.dec.Token()
	if err != nil {
		return nil, err
	}
	v := &rawValue{offset: off}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			v.kind = KindObject
			for p.dec.More() {
				koff := p.offset()
				ktok, err := p.dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := ktok.(string)
				if !ok {
					return nil, fmt.Errorf("expected object key at offset %d", koff)
				}
				mv, err := p.parseValue()
				if err != nil {
					return nil, err
				}
				v.members = append(v.members, rawMember{key: key, val: mv, offset: koff})
			}
			if _, err := p.dec.Token(); err != nil {
				return nil, err
			}
		case '[':
			v.isArray = true
			for p.dec.More() {
				item, err := p.parseValue()
				if err != nil {
					return nil, err
				}
				v.items = append(v.items, item)
			}
			if _, err := p.dec.Token(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case string:
		v.kind, v.text = KindString, t
	case json.Number:
		v.kind, v.text = KindNumber, t.String()
	case bool:
		v.kind = KindBool
		if t {
			v.text = "true"
		} else {
			v.text = "false"
		}
	case nil:
		v.kind = KindNull
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
	return v, nil
}

func (p *parser) setPos(n *Node, off int) {
	loc := p.ix.Position(off)
	n.Line, n.Column = loc.Line, loc.Column
}

func (p *parser) errorAt(off int, path, format string, args ...any) {
	loc := p.ix.Position(off)
	p.issues = append(p.issues, issue.Issue{
		Severity:    issue.SeverityError,
		Code:        issue.CodeStructure,
		Diagnostics: fmt.Sprintf(format, args...),
		Expression:  []string{path},
		Location:    &issue.Location{Line: loc.Line, Column: loc.Column},
		Source:      "parser",
	})
}

// buildObject fills n from an object value. resourceType is the nearest
// enclosing resource type.
func (p *parser) buildObject(n *Node, obj *rawValue, resourceType string) {
	n.Kind = KindObject
	path := n.Name
	seen := make(map[string]bool, len(obj.members))
	done := make(map[string]bool, len(obj.members))

	if rt := obj.member("resourceType"); rt != nil {
		if rt.kind != KindString {
			p.errorAt(rt.offset, path, "resourceType must be a string")
		} else {
			n.Type = rt.text
			resourceType = rt.text
		}
	}

	for _, m := range obj.members {
		if seen[m.key] {
			p.errorAt(m.offset, path, "Duplicated property name: %s", m.key)
			continue
		}
		seen[m.key] = true

		if m.key == "resourceType" || m.key == "fhir_comments" {
			continue
		}

		name := strings.TrimPrefix(m.key, "_")
		if done[name] {
			continue
		}
		done[name] = true

		var main, companion *rawValue
		offset := m.offset
		if strings.HasPrefix(m.key, "_") {
			companion = m.val
			main = obj.member(name)
		} else {
			main = m.val
			companion = obj.member("_" + name)
		}
		p.buildProperty(n, name, main, companion, offset, resourceType)
	}
}

func (p *parser) buildProperty(parent *Node, name string, main, companion *rawValue, offset int, resourceType string) {
	path := parent.Name + "." + name

	if main != nil && main.kind == KindNull && !main.isArray {
		p.errorAt(main.offset, path, "Property %s has a null value, which is not allowed", name)
		main = nil
	}
	if companion != nil && companion.kind == KindNull && !companion.isArray {
		companion = nil
	}

	if (main != nil && main.isArray) || (companion != nil && companion.isArray) {
		p.buildArray(parent, name, main, companion, offset, resourceType)
		return
	}

	if companion != nil && companion.kind != KindObject {
		p.errorAt(companion.offset, path, "The property _%s must be an object, not a %s", name, companion.kind)
		companion = nil
	}
	if main == nil && companion == nil {
		return
	}

	child := &Node{Name: name, Index: -1}
	p.setPos(child, offset)
	p.fill(child, main, companion, resourceType)
	child.Special = special(name, parent.Name, resourceType, child)
	parent.Children = append(parent.Children, child)
}

func (p *parser) buildArray(parent *Node, name string, main, companion *rawValue, offset int, resourceType string) {
	path := parent.Name + "." + name
	if main != nil && !main.isArray {
		p.errorAt(main.offset, path, "The property %s must be a JSON Array, not a %s", name, main.kind)
		main = nil
	}
	if companion != nil && !companion.isArray {
		p.errorAt(companion.offset, path, "The property _%s must be a JSON Array, not a %s", name, companion.kind)
		companion = nil
	}

	count := 0
	if main != nil {
		count = len(main.items)
	}
	if companion != nil && len(companion.items) > count {
		count = len(companion.items)
	}
	if main != nil && companion != nil && len(main.items) != len(companion.items) {
		p.errorAt(offset, path, "Arrays %s and _%s have different lengths (%d vs %d)", name, name, len(main.items), len(companion.items))
	}

	for i := 0; i < count; i++ {
		var mv, cv *rawValue
		if main != nil && i < len(main.items) {
			mv = main.items[i]
		}
		if companion != nil && i < len(companion.items) {
			cv = companion.items[i]
		}
		if mv != nil && mv.isArray {
			p.errorAt(mv.offset, fmt.Sprintf("%s[%d]", path, i), "Nested arrays are not allowed")
			mv = nil
		}
		if mv != nil && mv.kind == KindNull {
			mv = nil
		}
		if cv != nil && cv.kind == KindNull {
			cv = nil
		}
		if cv != nil && (cv.kind != KindObject || cv.isArray) {
			p.errorAt(cv.offset, fmt.Sprintf("%s[%d]", path, i), "The property _%s items must be objects", name)
			cv = nil
		}
		if mv == nil && cv == nil {
			p.errorAt(offset, fmt.Sprintf("%s[%d]", path, i), "Array item %d of %s is null and has no extensions", i, name)
			continue
		}

		child := &Node{Name: name, IsList: true, Index: i}
		if mv != nil {
			p.setPos(child, mv.offset)
		} else {
			p.setPos(child, cv.offset)
		}
		p.fill(child, mv, cv, resourceType)
		child.Special = special(name, parent.Name, resourceType, child)
		parent.Children = append(parent.Children, child)
	}
}

// fill populates child from its main value and primitive companion.
func (p *parser) fill(child *Node, main, companion *rawValue, resourceType string) {
	switch {
	case main != nil && main.kind == KindObject:
		p.buildObject(child, main, resourceType)
		if companion != nil {
			p.errorAt(companion.offset, child.Name, "The property _%s is only allowed on primitive values", child.Name)
		}
	case main != nil:
		child.Kind = main.kind
		child.Value = main.text
		child.HasValue = true
	default:
		// extension-only primitive; the kind is unknown, string is assumed
		child.Kind = KindString
	}
	if companion != nil && (main == nil || main.kind != KindObject) {
		holder := &Node{Name: child.Name}
		p.buildObject(holder, companion, resourceType)
		child.Children = append(child.Children, holder.Children...)
	}
}

func special(name, parentName, resourceType string, n *Node) Special {
	if !n.IsResource() {
		return SpecialNone
	}
	switch {
	case name == "contained":
		return SpecialContained
	case resourceType == "Bundle" && name == "resource" && parentName == "entry":
		return SpecialBundleEntry
	case resourceType == "Bundle" && name == "outcome" && parentName == "response":
		return SpecialBundleOutcome
	case resourceType == "Parameters" && name == "resource" && (parentName == "parameter" || parentName == "part"):
		return SpecialParameter
	}
	return SpecialNone
}
