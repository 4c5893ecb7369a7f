package modhost

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is a module's criticality tier. It determines whether the module's
// functionality remains available as the host degrades.
type Tier int

const (
	// TierOptional modules are available only in Graceful mode.
	// This is the default for modules that do not declare a tier.
	TierOptional Tier = iota
	// TierImportant modules remain available in Graceful and Minimal modes.
	TierImportant
	// TierCore modules are always available, in every degradation mode.
	TierCore
)

// String returns a string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierCore:
		return "core"
	case TierImportant:
		return "important"
	case TierOptional:
		return "optional"
	default:
		return "unknown"
	}
}

// ParseTier parses a string into a Tier. An empty string maps to
// TierOptional, matching the descriptor default.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "core":
		return TierCore, nil
	case "important":
		return TierImportant, nil
	case "optional", "":
		return TierOptional, nil
	default:
		return TierOptional, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

// MarshalJSON encodes the tier as its string form.
func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON decodes the tier from its string form.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTier(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Dependency is a single declared dependency of a module. Optional
// dependencies do not block resolution or loading when absent or broken;
// the dependent is informed and proceeds without them.
type Dependency struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`
}

// String renders the dependency in descriptor token form, with a trailing
// "?" marking optional dependencies.
func (d Dependency) String() string {
	if d.Optional {
		return d.Name + "?"
	}
	return d.Name
}

// ModuleDescriptor is the parsed, immutable metadata header of a module
// unit. Descriptors are parsed once at discovery time and re-parsed only
// on explicit update.
type ModuleDescriptor struct {
	// Name is the unique module identifier. Names are whitespace-free
	// tokens; dependency lists reference modules by this name.
	Name string `json:"name"`

	// Version is the module's declared version string.
	Version string `json:"version"`

	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty"`

	// Dependencies is the ordered list of modules this module depends on.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Checksum is the optional embedded content checksum in
	// "sha256:<hex>" form. Modules without one load as unsigned.
	Checksum string `json:"checksum,omitempty"`

	// Tier is the module's criticality tier, defaulting to optional.
	Tier Tier `json:"tier"`

	// Source is the filesystem location the unit was discovered at.
	Source string `json:"source,omitempty"`
}

// RequiredDependencies returns the names of the module's non-optional
// dependencies, in declaration order.
func (d ModuleDescriptor) RequiredDependencies() []string {
	var names []string
	for _, dep := range d.Dependencies {
		if !dep.Optional {
			names = append(names, dep.Name)
		}
	}
	return names
}

// moduleEnvelope is the on-disk frontmatter shape of a module unit.
type moduleEnvelope struct {
	Module moduleHeader `yaml:"module"`
}

type moduleHeader struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description,omitempty"`
	Tier         string   `yaml:"tier,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Checksum     string   `yaml:"checksum,omitempty"`
}

var (
	moduleNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
	checksumRe   = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
)

// ParseModuleUnit extracts the descriptor and body from a module unit that
// starts with `---` YAML fences. The source parameter records where the
// unit was read from and is carried on the descriptor for later
// verification and reload.
func ParseModuleUnit(source string, content []byte) (ModuleDescriptor, []byte, error) {
	if len(content) == 0 {
		return ModuleDescriptor{}, nil, fmt.Errorf("%w: %s", ErrMissingFrontmatter, source)
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return ModuleDescriptor{}, nil, fmt.Errorf("%w: %s", ErrMissingFrontmatter, source)
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return ModuleDescriptor{}, nil, fmt.Errorf("%w: %s: unterminated fence", ErrMalformedFrontmatter, source)
	}

	var envelope moduleEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return ModuleDescriptor{}, nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrontmatter, source, err)
	}

	desc, err := envelope.toDescriptor(source)
	if err != nil {
		return ModuleDescriptor{}, nil, err
	}
	return desc, parts[1], nil
}

// WriteModuleUnit renders a descriptor and body back into module unit form
// with YAML fences. Used by scaffolding and by tests that author units.
func WriteModuleUnit(desc ModuleDescriptor, body []byte) ([]byte, error) {
	if err := validateModuleName(desc.Name); err != nil {
		return nil, err
	}
	envelope := moduleEnvelope{}
	envelope.fromDescriptor(desc)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode module frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

func (e moduleEnvelope) toDescriptor(source string) (ModuleDescriptor, error) {
	h := e.Module
	if err := validateModuleName(h.Name); err != nil {
		return ModuleDescriptor{}, fmt.Errorf("%w: %s", err, source)
	}
	if strings.TrimSpace(h.Version) == "" {
		return ModuleDescriptor{}, fmt.Errorf("%w: %s: missing version", ErrDescriptorInvalid, source)
	}

	tier, err := ParseTier(h.Tier)
	if err != nil {
		return ModuleDescriptor{}, fmt.Errorf("%w: %s", err, source)
	}

	deps := make([]Dependency, 0, len(h.Dependencies))
	seen := make(map[string]bool, len(h.Dependencies))
	for _, token := range h.Dependencies {
		dep, err := parseDependency(token)
		if err != nil {
			return ModuleDescriptor{}, fmt.Errorf("%w: %s", err, source)
		}
		// Duplicate declarations collapse to a single edge.
		if seen[dep.Name] {
			continue
		}
		seen[dep.Name] = true
		deps = append(deps, dep)
	}
	if len(deps) == 0 {
		deps = nil
	}

	checksum := strings.TrimSpace(h.Checksum)
	if checksum != "" && !checksumRe.MatchString(checksum) {
		return ModuleDescriptor{}, fmt.Errorf("%w: %s: %q", ErrInvalidChecksum, source, checksum)
	}

	return ModuleDescriptor{
		Name:         h.Name,
		Version:      strings.TrimSpace(h.Version),
		Description:  strings.TrimSpace(h.Description),
		Dependencies: deps,
		Checksum:     checksum,
		Tier:         tier,
		Source:       source,
	}, nil
}

func (e *moduleEnvelope) fromDescriptor(desc ModuleDescriptor) {
	e.Module.Name = desc.Name
	e.Module.Version = desc.Version
	e.Module.Description = desc.Description
	if desc.Tier != TierOptional {
		e.Module.Tier = desc.Tier.String()
	}
	for _, dep := range desc.Dependencies {
		e.Module.Dependencies = append(e.Module.Dependencies, dep.String())
	}
	e.Module.Checksum = desc.Checksum
}

// parseDependency parses a single dependency token. A trailing "?" marks
// the dependency optional. Tokens are trimmed; dependency identifiers are
// whitespace-free, so embedded whitespace is rejected.
func parseDependency(token string) (Dependency, error) {
	trimmed := strings.TrimSpace(token)
	optional := strings.HasSuffix(trimmed, "?")
	name := strings.TrimSuffix(trimmed, "?")
	if !moduleNameRe.MatchString(name) {
		return Dependency{}, fmt.Errorf("%w: %q", ErrInvalidDependency, token)
	}
	return Dependency{Name: name, Optional: optional}, nil
}

func validateModuleName(name string) error {
	if !moduleNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleName, name)
	}
	return nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
