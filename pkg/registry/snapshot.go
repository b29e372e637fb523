package registry

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"

	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/metrics"
)

const maxBaseDepth = 32

// ensureSnapshot generates sd's snapshot, coalescing concurrent requests for
// the same definition. The generated copy replaces the registered one, so
// later readers see either the old definition or the complete new one.
func (r *Registry) ensureSnapshot(sd *StructureDefinition, depth int) (*StructureDefinition, error) {
	if depth > maxBaseDepth {
		return nil, fmt.Errorf("base definition chain of %s is too deep or circular", sd.URL)
	}
	if sd.Differential == nil || len(sd.Differential.Element) == 0 {
		return nil, fmt.Errorf("StructureDefinition %s has neither a snapshot nor a differential", sd.URL)
	}

	key := sd.VersionedURL()
	v, err, _ := r.generating.Do(key, func() (any, error) {
		if cur := r.lookup(key); cur != nil && cur.HasSnapshot() {
			return cur, nil
		}
		gen, err := r.generate(sd, depth)
		metrics.RecordSnapshot(err)
		if err != nil {
			return nil, err
		}
		r.publish(sd, gen)
		logger.Debug("generated snapshot for %s (%d elements)", key, len(gen.Snapshot.Element))
		return gen, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StructureDefinition), nil
}

func (r *Registry) publish(old, gen *StructureDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.sds[old.URL] {
		if v.item == old {
			v.item = gen
		}
	}
	if r.byType[old.Type] == old {
		r.byType[old.Type] = gen
	}
}

func (r *Registry) generate(sd *StructureDefinition, depth int) (*StructureDefinition, error) {
	if sd.BaseDefinition == "" {
		return nil, fmt.Errorf("StructureDefinition %s has a differential but no baseDefinition", sd.URL)
	}
	baseSD := r.lookup(sd.BaseDefinition)
	if baseSD == nil {
		return nil, fmt.Errorf("unable to resolve base definition %s of %s", sd.BaseDefinition, sd.URL)
	}
	if !baseSD.HasSnapshot() {
		var err error
		if baseSD, err = r.ensureSnapshot(baseSD, depth+1); err != nil {
			return nil, fmt.Errorf("base of %s: %w", sd.URL, err)
		}
	}

	var elems []ElementDefinition
	if err := deepcopy.Copy(&elems, &baseSD.Snapshot.Element); err != nil {
		return nil, fmt.Errorf("copying snapshot of %s: %w", baseSD.URL, err)
	}
	for i := range elems {
		fillInheritedSource(elems[i].Constraint, baseSD.URL)
	}
	if sd.Derivation == "specialization" && sd.Type != baseSD.Type {
		renameRoot(elems, baseSD.Type, sd.Type)
	}

	g := &generator{r: r, sd: sd, elems: elems}
	for i := range sd.Differential.Element {
		if err := g.apply(&sd.Differential.Element[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", sd.URL, err)
		}
	}

	out := *sd
	out.Snapshot = &Snapshot{Element: g.elems}
	return &out, nil
}

func renameRoot(elems []ElementDefinition, from, to string) {
	for i := range elems {
		elems[i].Path = replaceRoot(elems[i].Path, from, to)
		elems[i].ID = replaceRoot(elems[i].ID, from, to)
	}
}

func replaceRoot(s, from, to string) string {
	if s == from {
		return to
	}
	if strings.HasPrefix(s, from+".") || strings.HasPrefix(s, from+":") {
		return to + s[len(from):]
	}
	return s
}

// generator overlays one differential onto a copy of the base snapshot.
type generator struct {
	r     *Registry
	sd    *StructureDefinition
	elems []ElementDefinition
}

func (g *generator) apply(d *ElementDefinition) error {
	id := d.ID
	if id == "" {
		id = d.Path
		if d.SliceName != "" {
			id += ":" + d.SliceName
		}
	}

	idx := g.find(id)
	var choiceType string
	var err error
	if idx < 0 && d.SliceName != "" {
		if idx, err = g.addSlice(d, id); err != nil {
			return err
		}
	}
	if idx < 0 {
		idx, choiceType = g.findRenamedChoice(id)
	}
	if idx < 0 {
		if idx, err = g.expandTo(id); err != nil {
			return err
		}
	}
	if idx < 0 {
		logger.Warn("differential element %s of %s has no match in the base snapshot", id, g.sd.URL)
		return nil
	}
	return g.merge(idx, d, choiceType)
}

func (g *generator) find(id string) int {
	for i := range g.elems {
		if g.elems[i].ID == id {
			return i
		}
	}
	if !strings.Contains(id, ":") {
		for i := range g.elems {
			if g.elems[i].ID == "" && g.elems[i].Path == id {
				return i
			}
		}
	}
	return -1
}

// subtreeEnd returns the index just past the element at idx and everything
// below it, slices included.
func (g *generator) subtreeEnd(idx int) int {
	id := g.elems[idx].ID
	end := idx + 1
	for end < len(g.elems) {
		eid := g.elems[end].ID
		if !strings.HasPrefix(eid, id+".") && !strings.HasPrefix(eid, id+":") {
			break
		}
		end++
	}
	return end
}

// addSlice inserts a new slice (copied from its slicing entry, children
// included) after the entry's existing slices and returns its index.
func (g *generator) addSlice(d *ElementDefinition, id string) (int, error) {
	cut := strings.LastIndexByte(id, ':')
	if cut < 0 || strings.Contains(id[cut:], ".") {
		return -1, nil
	}
	entryID := id[:cut]
	entry := g.find(entryID)
	if entry < 0 {
		var err error
		if entry, err = g.expandTo(entryID); err != nil || entry < 0 {
			return -1, err
		}
	}

	e := &g.elems[entry]
	if e.Slicing == nil {
		e.Slicing = defaultSlicing(e)
	}

	var template []ElementDefinition
	for i := entry; i < len(g.elems); i++ {
		eid := g.elems[i].ID
		if i != entry && !strings.HasPrefix(eid, entryID+".") {
			break
		}
		template = append(template, g.elems[i])
	}
	var slice []ElementDefinition
	if err := deepcopy.Copy(&slice, &template); err != nil {
		return -1, fmt.Errorf("copying slice %s: %w", id, err)
	}
	slice[0].ID = id
	slice[0].SliceName = d.SliceName
	slice[0].Slicing = nil
	for i := 1; i < len(slice); i++ {
		slice[i].ID = id + strings.TrimPrefix(slice[i].ID, entryID)
	}

	at := g.subtreeEnd(entry)
	g.insert(at, slice)
	return at, nil
}

func defaultSlicing(e *ElementDefinition) *Slicing {
	switch tail := e.Tail(); {
	case tail == "extension" || tail == "modifierExtension":
		return &Slicing{Discriminator: []Discriminator{{Type: "value", Path: "url"}}, Rules: RulesOpen}
	case e.IsChoice():
		return &Slicing{Discriminator: []Discriminator{{Type: "type", Path: "$this"}}, Rules: RulesOpen}
	default:
		return &Slicing{Rules: RulesOpen}
	}
}

// findRenamedChoice maps "Observation.valueQuantity" onto "Observation.value[x]".
func (g *generator) findRenamedChoice(id string) (int, string) {
	dot := strings.LastIndexByte(id, '.')
	if dot < 0 {
		return -1, ""
	}
	parent, name := id[:dot], id[dot+1:]
	for i := range g.elems {
		e := &g.elems[i]
		if !e.IsChoice() || e.SliceName != "" {
			continue
		}
		eid := e.ID
		if eid == "" {
			eid = e.Path
		}
		if eid != parent+"."+e.Tail() {
			continue
		}
		prefix := strings.TrimSuffix(e.Tail(), "[x]")
		if hasTypedPrefix(name, prefix) {
			return i, name[len(prefix):]
		}
	}
	return -1, ""
}

// expandTo inserts the children of the nearest existing ancestor of id from
// its type definition until id exists, and returns its index. A type
// definition that fails to resolve is returned as an error.
func (g *generator) expandTo(id string) (int, error) {
	for attempt := 0; attempt < maxBaseDepth; attempt++ {
		if idx := g.find(id); idx >= 0 {
			return idx, nil
		}
		anc := -1
		for cut := strings.LastIndexByte(id, '.'); cut > 0; cut = strings.LastIndexByte(id[:cut], '.') {
			if anc = g.find(id[:cut]); anc >= 0 {
				break
			}
		}
		if anc < 0 {
			return -1, nil
		}
		expanded, err := g.expandChildren(anc)
		if err != nil || !expanded {
			return -1, err
		}
	}
	return -1, nil
}

// expandChildren copies the type's own children below the element at idx.
// It reports false when there is nothing to expand.
func (g *generator) expandChildren(idx int) (bool, error) {
	parent := g.elems[idx]
	if idx+1 < len(g.elems) && strings.HasPrefix(g.elems[idx+1].Path, parent.Path+".") {
		return false, nil
	}
	if len(parent.Type) != 1 || parent.ContentReference != "" {
		return false, nil
	}
	code := parent.Type[0].Code
	var typeSD *StructureDefinition
	if len(parent.Type[0].Profile) == 1 && !g.selfReference(parent.Type[0].Profile[0]) {
		profile := parent.Type[0].Profile[0]
		sd, err := g.r.Resolve(profile)
		if err != nil {
			return false, fmt.Errorf("resolving type profile %s of %s: %w", profile, parent.Path, err)
		}
		if sd == nil {
			logger.Warn("type profile %s of %s in %s is unknown, expanding from %s", profile, parent.Path, g.sd.URL, code)
		}
		typeSD = sd
	}
	if typeSD == nil {
		sd, err := g.r.ResolveType(code)
		if err != nil {
			return false, fmt.Errorf("resolving type %s of %s: %w", code, parent.Path, err)
		}
		typeSD = sd
	}
	if !typeSD.HasSnapshot() || len(typeSD.Snapshot.Element) < 2 {
		return false, nil
	}

	var children []ElementDefinition
	src := typeSD.Snapshot.Element[1:]
	if err := deepcopy.Copy(&children, &src); err != nil {
		return false, fmt.Errorf("copying children of %s: %w", parent.Path, err)
	}
	root := typeSD.Snapshot.Element[0]
	parentID := parent.ID
	if parentID == "" {
		parentID = parent.Path
	}
	for i := range children {
		fillInheritedSource(children[i].Constraint, typeSD.URL)
		children[i].Path = parent.Path + strings.TrimPrefix(children[i].Path, root.Path)
		children[i].ID = parentID + strings.TrimPrefix(children[i].ID, root.ID)
	}
	g.insert(idx+1, children)
	return true, nil
}

// selfReference reports whether canonical names the definition being
// generated, whose snapshot is not available yet.
func (g *generator) selfReference(canonical string) bool {
	url, _, _ := strings.Cut(canonical, "|")
	return url == g.sd.URL
}

func (g *generator) insert(at int, items []ElementDefinition) {
	out := make([]ElementDefinition, 0, len(g.elems)+len(items))
	out = append(out, g.elems[:at]...)
	out = append(out, items...)
	out = append(out, g.elems[at:]...)
	g.elems = out
}

// merge overlays d onto the element at idx. Only properties present in the
// differential are overwritten; constraints accumulate.
func (g *generator) merge(idx int, d *ElementDefinition, choiceType string) error {
	t := &g.elems[idx]
	id, path, sliceName := t.ID, t.Path, t.SliceName
	inherited := append([]Constraint(nil), t.Constraint...)

	raw := d.raw
	if raw == nil {
		var err error
		if raw, err = json.Marshal(d); err != nil {
			return err
		}
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return fmt.Errorf("merging %s: %w", id, err)
	}
	// decoding into a non-empty slice or pointer reuses the old values
	for key := range present {
		switch key {
		case "type":
			t.Type = nil
		case "constraint":
			t.Constraint = nil
		case "binding":
			t.Binding = nil
		case "slicing":
			t.Slicing = nil
		case "extension":
			t.Extension = nil
		case "representation":
			t.Representation = nil
		case "base":
			t.Base = nil
		}
	}
	if err := json.Unmarshal(raw, t); err != nil {
		return fmt.Errorf("merging %s: %w", id, err)
	}
	t.ID, t.Path = id, path
	if d.SliceName == "" {
		t.SliceName = sliceName
	}

	t.Constraint = inherited
	for _, c := range d.Constraint {
		if c.Source == "" {
			c.Source = g.sd.URL
		}
		replaced := false
		for i := range t.Constraint {
			if t.Constraint[i].Key == c.Key {
				t.Constraint[i] = c
				replaced = true
			}
		}
		if !replaced {
			t.Constraint = append(t.Constraint, c)
		}
	}

	if choiceType != "" && len(d.Type) == 0 {
		var kept []Type
		for _, tp := range t.Type {
			if strings.EqualFold(tp.Code, choiceType) {
				kept = append(kept, tp)
			}
		}
		if len(kept) > 0 {
			t.Type = kept
		}
	}
	return nil
}
