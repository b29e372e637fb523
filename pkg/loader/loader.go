// Package loader handles loading FHIR packages from the NPM cache,
// local .tgz files, remote URLs or in-memory resources.
package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/gofhir/conformance/pkg/logger"
)

// DefaultPackagePath returns the default FHIR package cache path.
func DefaultPackagePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fhir", "packages")
}

// PackageRef represents a reference to a FHIR package.
type PackageRef struct {
	Name    string
	Version string
}

// String returns the package spec in "name#version" format.
func (p PackageRef) String() string {
	return fmt.Sprintf("%s#%s", p.Name, p.Version)
}

// Resource is one conformance resource found in a package, in load order.
type Resource struct {
	ResourceType string
	ID           string
	URL          string
	Version      string
	Data         []byte
}

// Key returns the canonical key (url|version) or resourceType/id when the
// resource has no url.
func (r Resource) Key() string {
	if r.URL == "" {
		return r.ResourceType + "/" + r.ID
	}
	if r.Version == "" {
		return r.URL
	}
	return r.URL + "|" + r.Version
}

// Package represents a loaded FHIR package.
type Package struct {
	Name         string
	Version      string
	Path         string
	FHIRVersion  string
	Dependencies map[string]string
	Resources    []Resource
}

// Find returns the first resource with the given url, or nil.
func (p *Package) Find(url string) *Resource {
	for i := range p.Resources {
		if p.Resources[i].URL == url {
			return &p.Resources[i]
		}
	}
	return nil
}

// PackageManifest represents the package.json of a FHIR NPM package.
type PackageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	FHIRVersion  string            `json:"fhirVersion,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// DefaultPackages maps FHIR versions to their default package configurations.
var DefaultPackages = map[string][]PackageRef{
	"4.0.1": {
		{Name: "hl7.fhir.r4.core", Version: "4.0.1"},
		{Name: "hl7.terminology.r4", Version: "7.0.1"},
		{Name: "hl7.fhir.uv.extensions.r4", Version: "5.2.0"},
	},
	"4.3.0": {
		{Name: "hl7.fhir.r4b.core", Version: "4.3.0"},
		{Name: "hl7.terminology.r4", Version: "7.0.1"},
		{Name: "hl7.fhir.uv.extensions.r4", Version: "5.2.0"},
	},
	"5.0.0": {
		{Name: "hl7.fhir.r5.core", Version: "5.0.0"},
		{Name: "hl7.terminology.r5", Version: "7.0.1"},
		{Name: "hl7.fhir.uv.extensions.r5", Version: "5.2.0"},
	},
}

// Loader loads FHIR packages.
type Loader struct {
	basePath string
	client   *http.Client
}

// NewLoader creates a new Loader with the given base path.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = DefaultPackagePath()
	}
	return &Loader{basePath: basePath, client: http.DefaultClient}
}

// WithHTTPClient sets the client used by LoadFromURL.
func (l *Loader) WithHTTPClient(c *http.Client) *Loader {
	l.client = c
	return l
}

// BasePath returns the base path for packages.
func (l *Loader) BasePath() string {
	return l.basePath
}

// LoadPackage loads a specific package by name and version from the cache.
func (l *Loader) LoadPackage(name, version string) (*Package, error) {
	pkgDir := filepath.Join(l.basePath, fmt.Sprintf("%s#%s", name, version))
	if _, err := os.Stat(pkgDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("package %s#%s not found at %s", name, version, pkgDir)
	}

	manifestData, err := os.ReadFile(filepath.Join(pkgDir, "package", "package.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}
	pkg, err := newPackage(manifestData, pkgDir)
	if err != nil {
		return nil, err
	}

	packageDir := filepath.Join(pkgDir, "package")
	entries, err := os.ReadDir(packageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}
	// ReadDir sorts by name, which keeps load order stable across runs.
	for _, entry := range entries {
		if entry.IsDir() || !isResourceFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(packageDir, entry.Name()))
		if err != nil {
			logger.Debug("skipping unreadable file %s: %v", entry.Name(), err)
			continue
		}
		pkg.add(data)
	}
	return pkg, nil
}

// LoadPackageRef loads a package from a PackageRef.
func (l *Loader) LoadPackageRef(ref PackageRef) (*Package, error) {
	return l.LoadPackage(ref.Name, ref.Version)
}

// LoadVersion loads all default packages for a specific FHIR version. Only
// the core package is required.
func (l *Loader) LoadVersion(version string) ([]*Package, error) {
	refs, ok := DefaultPackages[version]
	if !ok {
		return nil, fmt.Errorf("unknown FHIR version: %s (supported: 4.0.1, 4.3.0, 5.0.0)", version)
	}

	packages := make([]*Package, 0, len(refs))
	for _, ref := range refs {
		pkg, err := l.LoadPackageRef(ref)
		if err != nil {
			if strings.Contains(ref.Name, ".core") {
				return nil, fmt.Errorf("failed to load core package: %w", err)
			}
			logger.Warn("optional package %s not loaded: %v", ref, err)
			continue
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// ListPackages returns all available packages in the cache.
func (l *Loader) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, err
	}

	var packages []string
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(entry.Name(), "#") {
			packages = append(packages, entry.Name())
		}
	}
	sort.Strings(packages)
	return packages, nil
}

// ParsePackageSpec parses "name#version" into separate components.
func ParsePackageSpec(spec string) (name, version string) {
	parts := strings.SplitN(spec, "#", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return spec, ""
}

// LoadFromTgz loads a FHIR package from a local .tgz file.
func (l *Loader) LoadFromTgz(tgzPath string) (*Package, error) {
	file, err := os.Open(tgzPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tgz file: %w", err)
	}
	defer file.Close()

	return l.loadFromTgzReader(file, tgzPath)
}

// LoadFromTgzData loads a FHIR package from .tgz bytes already in memory.
func (l *Loader) LoadFromTgzData(data []byte) (*Package, error) {
	return l.loadFromTgzReader(bytes.NewReader(data), "memory")
}

// LoadFromURL downloads a .tgz package and loads it.
func (l *Loader) LoadFromURL(ctx context.Context, url string) (*Package, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid package url %s: %w", url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download package from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download package: HTTP %d", resp.StatusCode)
	}
	return l.loadFromTgzReader(resp.Body, url)
}

// LoadFromResources wraps loose resources in a synthetic "custom" package.
// Items that are not JSON objects with a resourceType are skipped.
func (l *Loader) LoadFromResources(resources [][]byte) (*Package, error) {
	pkg := &Package{Name: "custom", Version: "0.0.0", Path: "memory"}
	for _, data := range resources {
		pkg.add(data)
	}
	return pkg, nil
}

func (l *Loader) loadFromTgzReader(reader io.Reader, source string) (*Package, error) {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var manifestData []byte
	files := make(map[string][]byte)
	var names []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		name := strings.TrimPrefix(header.Name, "package/")
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			logger.Debug("skipping unreadable tar entry %s: %v", name, err)
			continue
		}
		if name == "package.json" {
			manifestData = data
			continue
		}
		if !isResourceFile(name) || strings.Contains(name, "/") {
			continue
		}
		files[name] = data
		names = append(names, name)
	}

	if manifestData == nil {
		return nil, fmt.Errorf("package.json not found in %s", source)
	}
	pkg, err := newPackage(manifestData, source)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		pkg.add(files[name])
	}
	return pkg, nil
}

func newPackage(manifestData []byte, path string) (*Package, error) {
	var manifest PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}
	fhirVersion := manifest.FHIRVersion
	if fhirVersion == "" && len(manifest.FHIRVersions) > 0 {
		fhirVersion = manifest.FHIRVersions[0]
	}
	return &Package{
		Name:         manifest.Name,
		Version:      manifest.Version,
		Path:         path,
		FHIRVersion:  fhirVersion,
		Dependencies: manifest.Dependencies,
	}, nil
}

// add peeks at the identifying fields without decoding the whole resource.
func (p *Package) add(data []byte) {
	rt, err := jsonparser.GetString(data, "resourceType")
	if err != nil || rt == "" {
		return
	}
	res := Resource{ResourceType: rt, Data: data}
	res.ID, _ = jsonparser.GetString(data, "id")
	res.URL, _ = jsonparser.GetString(data, "url")
	res.Version, _ = jsonparser.GetString(data, "version")
	p.Resources = append(p.Resources, res)
}

func isResourceFile(name string) bool {
	return strings.HasSuffix(name, ".json") && name != "package.json" && name != ".index.json"
}
