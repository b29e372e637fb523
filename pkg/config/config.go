// Package config loads validator settings from YAML or TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/gofhir/conformance/pkg/constraint"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/reference"
	"github.com/gofhir/conformance/pkg/validator"
)

// Format is a configuration file syntax.
type Format int

const (
	// FormatAuto picks the syntax from the file extension.
	FormatAuto Format = iota
	FormatYAML
	FormatTOML
)

func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	default:
		return "auto"
	}
}

// Config mirrors the validator's construction options.
type Config struct {
	FHIRVersion  string            `yaml:"fhirVersion" toml:"fhir_version"`
	Profiles     []string          `yaml:"profiles" toml:"profiles"`
	Packages     []string          `yaml:"packages" toml:"packages"`
	PackagePath  string            `yaml:"packagePath" toml:"package_path"`
	PackageFiles []string          `yaml:"packageFiles" toml:"package_files"`
	PackageURLs  []string          `yaml:"packageUrls" toml:"package_urls"`
	Strict       bool              `yaml:"strict" toml:"strict"`
	BestPractice string            `yaml:"bestPractice" toml:"best_practice"`
	Language     string            `yaml:"language" toml:"language"`
	Terminology  TerminologyConfig `yaml:"terminology" toml:"terminology"`
	Extensions   ExtensionConfig   `yaml:"extensions" toml:"extensions"`
	References   ReferenceConfig   `yaml:"references" toml:"references"`
	Log          LogConfig         `yaml:"log" toml:"log"`

	ErrorForUnknownProfiles bool `yaml:"errorForUnknownProfiles" toml:"error_for_unknown_profiles"`
}

// TerminologyConfig controls code validation.
type TerminologyConfig struct {
	// Server is the base URL of a FHIR terminology server. "n/a" disables
	// terminology checks.
	Server               string `yaml:"server" toml:"server"`
	Disabled             bool   `yaml:"disabled" toml:"disabled"`
	CheckDisplay         bool   `yaml:"checkDisplay" toml:"check_display"`
	NoExtensibleWarnings bool   `yaml:"noExtensibleWarnings" toml:"no_extensible_warnings"`
}

// ExtensionConfig lists where unresolvable extensions are accepted.
type ExtensionConfig struct {
	Domains  []string `yaml:"domains" toml:"domains"`
	AllowAny bool     `yaml:"allowAny" toml:"allow_any"`
}

// ReferenceConfig controls how references outside the resource are
// resolved.
type ReferenceConfig struct {
	// Server is the base URL of a FHIR REST server holding the targets.
	Server string `yaml:"server" toml:"server"`
	// Policy is one of ignore, check-type-if-exists, check-exists,
	// check-type or check-valid.
	Policy string `yaml:"policy" toml:"policy"`
}

// LogConfig configures the package logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		FHIRVersion:  "4.0.1",
		BestPractice: "warning",
		References:   ReferenceConfig{Policy: reference.PolicyCheckValid.String()},
		Log:          LogConfig{Level: "warn", Format: string(logger.FormatConsole)},
	}
}

// Load reads path, choosing the syntax from its extension.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return FormatAuto, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
}

// Parse decodes data on top of Default. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %s", format)
	}
	cfg.Terminology.Server = os.ExpandEnv(cfg.Terminology.Server)
	cfg.References.Server = os.ExpandEnv(cfg.References.Server)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the decoders cannot.
func (c *Config) Validate() error {
	if _, err := constraint.ParseBestPracticeLevel(c.BestPractice); err != nil {
		return err
	}
	for _, p := range c.Packages {
		if _, _, err := SplitPackage(p); err != nil {
			return err
		}
	}
	if _, err := reference.ParsePolicy(c.References.Policy); err != nil {
		return err
	}
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case "", logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SplitPackage splits "name#version".
func SplitPackage(ref string) (name, version string, err error) {
	name, version, ok := strings.Cut(strings.TrimSpace(ref), "#")
	if !ok || name == "" || version == "" {
		return "", "", fmt.Errorf("package %q must be name#version", ref)
	}
	return name, version, nil
}

// TerminologyOff reports whether code validation is disabled.
func (c *Config) TerminologyOff() bool {
	return c.Terminology.Disabled || strings.EqualFold(c.Terminology.Server, "n/a")
}

// Options converts the settings into validator options.
func (c *Config) Options() ([]validator.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	level, _ := constraint.ParseBestPracticeLevel(c.BestPractice)

	opts := []validator.Option{
		validator.WithVersion(c.FHIRVersion),
		validator.WithStrictMode(c.Strict),
		validator.WithBestPractice(level),
		validator.WithErrorForUnknownProfiles(c.ErrorForUnknownProfiles),
		validator.WithNoTerminologyChecks(c.TerminologyOff()),
		validator.WithCheckDisplay(c.Terminology.CheckDisplay),
		validator.WithNoExtensibleWarnings(c.Terminology.NoExtensibleWarnings),
		validator.WithAnyExtension(c.Extensions.AllowAny),
	}
	if c.PackagePath != "" {
		opts = append(opts, validator.WithPackagePath(c.PackagePath))
	}
	if c.Language != "" {
		opts = append(opts, validator.WithLanguage(c.Language))
	}
	if c.Terminology.Server != "" && !c.TerminologyOff() {
		opts = append(opts, validator.WithTerminologyServer(c.Terminology.Server))
	}
	if c.References.Server != "" {
		policy, _ := reference.ParsePolicy(c.References.Policy)
		opts = append(opts, validator.WithFetcher(reference.NewHTTPFetcher(c.References.Server, policy)))
	}
	if len(c.Extensions.Domains) > 0 {
		opts = append(opts, validator.WithExtensionDomains(c.Extensions.Domains...))
	}
	for _, p := range c.Profiles {
		opts = append(opts, validator.WithProfile(strings.TrimSpace(p)))
	}
	for _, p := range c.Packages {
		name, version, _ := SplitPackage(p)
		opts = append(opts, validator.WithPackage(name, version))
	}
	for _, p := range c.PackageFiles {
		opts = append(opts, validator.WithPackageTgz(strings.TrimSpace(p)))
	}
	for _, u := range c.PackageURLs {
		opts = append(opts, validator.WithPackageURL(strings.TrimSpace(u)))
	}
	return opts, nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() *logger.Logger {
	format := logger.Format(strings.ToLower(c.Log.Format))
	if format == "" {
		format = logger.FormatConsole
	}
	return logger.NewWithFormat(os.Stderr, logger.ParseLevel(c.Log.Level), format)
}
