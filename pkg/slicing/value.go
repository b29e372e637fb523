package slicing

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// valueCondition turns a fixed or pattern value at path into a FHIRPath
// condition. Complex values become conjunctions over their fields; every
// array member must be present among the instance's.
func valueCondition(path string, raw []byte) (string, error) {
	v, err := decode(raw)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case map[string]any:
		conj := objectConditions(val)
		if len(conj) == 0 {
			return "", fmt.Errorf("value has no comparable fields")
		}
		if path == pathThis {
			return strings.Join(conj, " and "), nil
		}
		return path + ".where(" + strings.Join(conj, " and ") + ").exists()", nil
	case []any:
		return "", fmt.Errorf("value must not be an array")
	default:
		return path + " = " + literal(val), nil
	}
}

func objectConditions(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		switch k {
		case "id", "extension", "modifierExtension":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		out = append(out, fieldConditions(k, obj[k])...)
	}
	return out
}

func fieldConditions(key string, v any) []string {
	switch val := v.(type) {
	case map[string]any:
		conj := objectConditions(val)
		if len(conj) == 0 {
			return []string{key + ".exists()"}
		}
		return []string{key + ".where(" + strings.Join(conj, " and ") + ").exists()"}
	case []any:
		var out []string
		for _, item := range val {
			switch it := item.(type) {
			case map[string]any:
				conj := objectConditions(it)
				if len(conj) > 0 {
					out = append(out, key+".where("+strings.Join(conj, " and ")+").exists()")
				}
			case []any:
			default:
				out = append(out, key+".where($this = "+literal(it)+").exists()")
			}
		}
		return out
	default:
		return []string{key + " = " + literal(val)}
	}
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

func literal(v any) string {
	switch val := v.(type) {
	case string:
		return quote(val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return "{}"
	}
	return quote(fmt.Sprint(v))
}

// quote renders s as a FHIRPath string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func isScalar(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] != '{' && t[0] != '['
}

// scalarText is the JSON scalar in the text form element.Node.Value uses.
func scalarText(raw []byte) string {
	v, err := decode(raw)
	if err != nil {
		return string(raw)
	}
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
	}
	return string(raw)
}
