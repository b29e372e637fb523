// Package registry is the profile store: StructureDefinitions and other
// canonical resources indexed by URL and version, with snapshots generated
// on demand from differentials.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/metrics"
)

// Resolver is the lookup contract the validation engine consumes.
//
// Resolve returns (nil, nil) when nothing is registered under the URL; an
// error means the definition exists but could not be made usable (for
// instance its base definition cannot be found).
type Resolver interface {
	Resolve(canonical string) (*StructureDefinition, error)
	ResolveType(code string) (*StructureDefinition, error)
	FetchCanonical(resourceType, canonical string) *Canonical
}

// Canonical is a non-StructureDefinition conformance resource (ValueSet,
// CodeSystem, ...) kept as raw JSON.
type Canonical struct {
	ResourceType string
	ID           string
	URL          string
	Version      string
	Name         string
	Data         []byte
}

// VersionedURL returns url|version, or url when unversioned.
func (c *Canonical) VersionedURL() string {
	if c.Version == "" {
		return c.URL
	}
	return c.URL + "|" + c.Version
}

type versioned[T any] struct {
	item    T
	version string
	seq     int
}

// Registry holds loaded definitions. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	sds        map[string][]*versioned[*StructureDefinition]
	byType     map[string]*StructureDefinition
	canonicals map[string][]*versioned[*Canonical]
	seq        int

	generating singleflight.Group
}

// New creates a new empty Registry.
func New() *Registry {
	return &Registry{
		sds:        make(map[string][]*versioned[*StructureDefinition]),
		byType:     make(map[string]*StructureDefinition),
		canonicals: make(map[string][]*versioned[*Canonical]),
	}
}

// LoadFromPackages loads every resource of the given packages in order.
func (r *Registry) LoadFromPackages(packages []*loader.Package) error {
	for _, pkg := range packages {
		for _, res := range pkg.Resources {
			if err := r.Add(res.Data); err != nil {
				logger.Debug("skipping %s from %s: %v", res.Key(), pkg.Name, err)
			}
		}
		logger.Debug("loaded package %s#%s (%d resources)", pkg.Name, pkg.Version, len(pkg.Resources))
	}
	metrics.SetProfilesLoaded(r.Count())
	return nil
}

// Add registers one resource given as JSON. StructureDefinitions are decoded;
// other resources with a url are stored as canonicals; Bundles are unpacked.
func (r *Registry) Add(data []byte) error {
	rt, err := jsonparser.GetString(data, "resourceType")
	if err != nil {
		return fmt.Errorf("resource has no resourceType: %w", err)
	}

	switch rt {
	case "StructureDefinition":
		var sd StructureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return fmt.Errorf("invalid StructureDefinition: %w", err)
		}
		return r.AddStructureDefinition(&sd)
	case "Bundle":
		var firstErr error
		_, err := jsonparser.ArrayEach(data, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
			res, _, _, err := jsonparser.Get(value, "resource")
			if err != nil {
				return
			}
			if err := r.Add(res); err != nil && firstErr == nil {
				firstErr = err
			}
		}, "entry")
		if err != nil && err != jsonparser.KeyPathNotFoundError {
			return fmt.Errorf("invalid Bundle: %w", err)
		}
		return firstErr
	}

	url, _ := jsonparser.GetString(data, "url")
	if url == "" {
		return fmt.Errorf("%s has no url", rt)
	}
	c := &Canonical{ResourceType: rt, URL: url, Data: data}
	c.ID, _ = jsonparser.GetString(data, "id")
	c.Version, _ = jsonparser.GetString(data, "version")
	c.Name, _ = jsonparser.GetString(data, "name")
	r.AddCanonical(c)
	return nil
}

// AddStructureDefinition registers sd. Registering the same url|version
// again merges extension contexts into the first definition.
func (r *Registry) AddStructureDefinition(sd *StructureDefinition) error {
	if sd.URL == "" {
		return fmt.Errorf("StructureDefinition %q has no url", sd.ID)
	}
	for i := range sd.Snapshot.elements() {
		fillInheritedSource(sd.Snapshot.Element[i].Constraint, sd.URL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sds[sd.URL]
	for _, existing := range list {
		if existing.version == sd.Version {
			mergeExtensionContexts(existing.item, sd)
			return nil
		}
	}
	r.seq++
	r.sds[sd.URL] = append(list, &versioned[*StructureDefinition]{item: sd, version: sd.Version, seq: r.seq})

	if sd.Type != "" && sd.Derivation != "constraint" && sd.Kind != KindLogical {
		if _, exists := r.byType[sd.Type]; !exists {
			r.byType[sd.Type] = sd
		}
	}
	return nil
}

// AddCanonical registers a canonical resource; the same url|version replaces
// the earlier registration.
func (r *Registry) AddCanonical(c *Canonical) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.canonicals[c.URL]
	for _, existing := range list {
		if existing.version == c.Version {
			existing.item = c
			return
		}
	}
	r.seq++
	r.canonicals[c.URL] = append(list, &versioned[*Canonical]{item: c, version: c.Version, seq: r.seq})
}

// mergeExtensionContexts adds unique contexts from newSD to existing.
func mergeExtensionContexts(existing, newSD *StructureDefinition) {
	seen := make(map[string]bool, len(existing.Context))
	for _, ctx := range existing.Context {
		seen[ctx.Type+":"+ctx.Expression] = true
	}
	for _, ctx := range newSD.Context {
		if !seen[ctx.Type+":"+ctx.Expression] {
			existing.Context = append(existing.Context, ctx)
		}
	}
}

// selectVersion implements the version rule: an exact version wins, then a
// major.minor match; with no version the latest wins, later registrations
// winning ties.
func selectVersion[T any](list []*versioned[T], version string) (T, bool) {
	var zero T
	if len(list) == 0 {
		return zero, false
	}
	if version != "" {
		for _, v := range list {
			if v.version == version {
				return v.item, true
			}
		}
		var best *versioned[T]
		for _, v := range list {
			if v.version != "" && MajorMinor(v.version) == version {
				if best == nil || CompareVersions(v.version, best.version) >= 0 {
					best = v
				}
			}
		}
		if best == nil {
			return zero, false
		}
		return best.item, true
	}

	best := list[0]
	for _, v := range list[1:] {
		c := CompareVersions(v.version, best.version)
		if c > 0 || (c == 0 && v.seq > best.seq) {
			best = v
		}
	}
	return best.item, true
}

// lookup returns the registered definition without generating a snapshot.
func (r *Registry) lookup(canonical string) *StructureDefinition {
	url, version := SplitCanonical(canonical)
	r.mu.RLock()
	defer r.mu.RUnlock()
	sd, _ := selectVersion(r.sds[url], version)
	return sd
}

// Resolve returns the definition for url or url|version with a snapshot.
func (r *Registry) Resolve(canonical string) (*StructureDefinition, error) {
	sd := r.lookup(canonical)
	if sd == nil {
		return nil, nil
	}
	if sd.HasSnapshot() {
		return sd, nil
	}
	return r.ensureSnapshot(sd, 0)
}

// ResolveVersion is Resolve with the version given separately.
func (r *Registry) ResolveVersion(url, version string) (*StructureDefinition, error) {
	if version == "" {
		return r.Resolve(url)
	}
	return r.Resolve(url + "|" + version)
}

// ResolveType resolves a type code: an absolute URL for logical models, or a
// core type name.
func (r *Registry) ResolveType(code string) (*StructureDefinition, error) {
	if strings.Contains(code, ":") {
		return r.Resolve(code)
	}
	if sd, err := r.Resolve(CoreURL + code); sd != nil || err != nil {
		return sd, err
	}
	r.mu.RLock()
	sd := r.byType[code]
	r.mu.RUnlock()
	if sd == nil {
		return nil, nil
	}
	if sd.HasSnapshot() {
		return sd, nil
	}
	return r.ensureSnapshot(sd, 0)
}

// FetchCanonical returns a canonical resource of the given type, or nil.
// An empty resourceType matches any type.
func (r *Registry) FetchCanonical(resourceType, canonical string) *Canonical {
	url, version := SplitCanonical(canonical)
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.canonicals[url]
	if resourceType != "" {
		filtered := make([]*versioned[*Canonical], 0, len(list))
		for _, v := range list {
			if v.item.ResourceType == resourceType {
				filtered = append(filtered, v)
			}
		}
		list = filtered
	}
	c, _ := selectVersion(list, version)
	return c
}

// GetByURL returns the registered definition for url without generating a
// snapshot.
func (r *Registry) GetByURL(url string) *StructureDefinition {
	return r.lookup(url)
}

// GetByType returns the base definition of a type name.
func (r *Registry) GetByType(typeName string) *StructureDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[typeName]
}

// Count returns the number of registered StructureDefinition URLs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sds)
}

// Versions returns the registered versions of url in registration order.
func (r *Registry) Versions(url string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sds[url]))
	for _, v := range r.sds[url] {
		out = append(out, v.version)
	}
	return out
}

// GetSDForResource returns the core StructureDefinition URL for a type.
func GetSDForResource(resourceType string) string {
	return CoreURL + resourceType
}

// IsResourceType reports whether typeName is a resource type.
func (r *Registry) IsResourceType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindResource
}

// IsPrimitiveType reports whether typeName is a primitive type.
func (r *Registry) IsPrimitiveType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindPrimitiveType
}

// IsDataType reports whether typeName is a complex data type.
func (r *Registry) IsDataType(typeName string) bool {
	sd := r.GetByType(typeName)
	return sd != nil && sd.Kind == KindComplexType
}

// IsDomainResource reports whether typeName inherits from DomainResource.
func (r *Registry) IsDomainResource(typeName string) bool {
	return r.InheritsFrom(r.GetByType(typeName), CoreURL+"DomainResource")
}

// InheritsFrom reports whether sd is baseURL or derives from it.
func (r *Registry) InheritsFrom(sd *StructureDefinition, baseURL string) bool {
	for depth := 0; sd != nil && depth < maxBaseDepth; depth++ {
		if sd.URL == baseURL || sd.BaseDefinition == baseURL {
			return true
		}
		if sd.BaseDefinition == "" {
			return false
		}
		sd = r.lookup(sd.BaseDefinition)
	}
	return false
}

func (s *Snapshot) elements() []ElementDefinition {
	if s == nil {
		return nil
	}
	return s.Element
}

func fillInheritedSource(cs []Constraint, url string) {
	for i := range cs {
		if cs[i].Source == "" {
			cs[i].Source = url
		}
	}
}
