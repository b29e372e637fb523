package element

import (
	"bytes"

	"github.com/goccy/go-json"
)

// MarshalJSON renders n back to FHIR JSON. A primitive node is rendered as
// its bare value; resources get their resourceType first.
func MarshalJSON(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if n.IsPrimitive() {
		if err := writeValue(&buf, n); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := writeObject(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeObject(buf *bytes.Buffer, n *Node) error {
	buf.WriteByte('{')
	first := true
	comma := func() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
	}

	if n.Type != "" {
		comma()
		buf.WriteString(`"resourceType":`)
		if err := writeString(buf, n.Type); err != nil {
			return err
		}
	}

	for _, group := range groupChildren(n.Children) {
		name := group[0].Name
		isList := group[0].IsList || len(group) > 1
		primitive := group[0].IsPrimitive()

		if primitive {
			if anyValue(group) {
				comma()
				if err := writeKey(buf, name); err != nil {
					return err
				}
				if err := writeItems(buf, group, isList, writeValue); err != nil {
					return err
				}
			}
			if anyChildren(group) {
				comma()
				if err := writeKey(buf, "_"+name); err != nil {
					return err
				}
				if err := writeItems(buf, group, isList, writeCompanion); err != nil {
					return err
				}
			}
			continue
		}

		comma()
		if err := writeKey(buf, name); err != nil {
			return err
		}
		if err := writeItems(buf, group, isList, writeObject); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeItems(buf *bytes.Buffer, group []*Node, isList bool, fn func(*bytes.Buffer, *Node) error) error {
	if !isList {
		return fn(buf, group[0])
	}
	buf.WriteByte('[')
	for i, c := range group {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := fn(buf, c); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeValue(buf *bytes.Buffer, n *Node) error {
	if !n.HasValue {
		buf.WriteString("null")
		return nil
	}
	switch n.Kind {
	case KindNumber, KindBool:
		buf.WriteString(n.Value)
		return nil
	default:
		return writeString(buf, n.Value)
	}
}

func writeCompanion(buf *bytes.Buffer, n *Node) error {
	if len(n.Children) == 0 {
		buf.WriteString("null")
		return nil
	}
	holder := &Node{Name: n.Name, Kind: KindObject, Children: n.Children}
	return writeObject(buf, holder)
}

func writeKey(buf *bytes.Buffer, key string) error {
	if err := writeString(buf, key); err != nil {
		return err
	}
	buf.WriteByte(':')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// groupChildren groups siblings by name, ordered by first appearance.
func groupChildren(children []*Node) [][]*Node {
	var order []string
	groups := make(map[string][]*Node)
	for _, c := range children {
		if _, ok := groups[c.Name]; !ok {
			order = append(order, c.Name)
		}
		groups[c.Name] = append(groups[c.Name], c)
	}
	out := make([][]*Node, 0, len(order))
	for _, name := range order {
		out = append(out, groups[name])
	}
	return out
}

func anyValue(group []*Node) bool {
	for _, c := range group {
		if c.HasValue {
			return true
		}
	}
	return false
}

func anyChildren(group []*Node) bool {
	for _, c := range group {
		if len(c.Children) > 0 {
			return true
		}
	}
	return false
}
