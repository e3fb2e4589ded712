package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dyluth/berth/internal/fault"
	"github.com/pelletier/go-toml/v2"
)

// SourceManifest is the declared package and dependency set of the source tree
type SourceManifest struct {
	Path    string
	Package struct {
		Name    string `toml:"name"`
		Version any    `toml:"version"` // A string, or {workspace = true}
	} `toml:"package"`
	Dependencies      map[string]any `toml:"dependencies"`
	BuildDependencies map[string]any `toml:"build-dependencies"`

	Workspace struct {
		Package struct {
			Version string `toml:"version"`
		} `toml:"package"`
		Dependencies map[string]any `toml:"dependencies"`
	} `toml:"workspace"`
}

// PackageVersion returns the root package version, resolving workspace
// inheritance. It is "" when the version is not pinned here.
func (m *SourceManifest) PackageVersion() string {
	switch v := m.Package.Version.(type) {
	case string:
		return v
	case map[string]any:
		if inherited, _ := v["workspace"].(bool); inherited {
			return m.Workspace.Package.Version
		}
	}
	return ""
}

// ParseSourceManifest reads the declared manifest at path
func ParseSourceManifest(path string) (*SourceManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("source manifest %s is missing", path)
		}
		return nil, fmt.Errorf("failed to read source manifest: %w", err)
	}

	var m SourceManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse source manifest %s: %w", path, err)
	}
	m.Path = path

	return &m, nil
}

// DeclaredPackages returns the sorted package names the source tree depends on.
// Renamed dependencies resolve to their "package" key.
func (m *SourceManifest) DeclaredPackages() []string {
	set := make(map[string]bool)
	for _, deps := range []map[string]any{m.Dependencies, m.BuildDependencies} {
		for key, spec := range deps {
			name := key
			if table, ok := spec.(map[string]any); ok {
				if inherited, _ := table["workspace"].(bool); inherited {
					if ws, ok := m.Workspace.Dependencies[key].(map[string]any); ok {
						table = ws
					}
				}
				if renamed, ok := table["package"].(string); ok && renamed != "" {
					name = renamed
				}
			}
			set[name] = true
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify parses both manifests under sourceRoot and checks that the lockfile
// pins every transitive dependency and covers the declared source tree.
// Every failure is a fault.ManifestInconsistency.
func Verify(sourceRoot, lockfile, sourceManifest string) (*Lockfile, error) {
	lock, err := ParseLockfile(filepath.Join(sourceRoot, lockfile))
	if err != nil {
		return nil, fault.Stage(fault.ManifestInconsistency, "manifest", err)
	}

	if err := lock.Check(); err != nil {
		return nil, fault.Stage(fault.ManifestInconsistency, "manifest", err)
	}

	src, err := ParseSourceManifest(filepath.Join(sourceRoot, sourceManifest))
	if err != nil {
		return nil, fault.Stage(fault.ManifestInconsistency, "manifest", err)
	}

	var problems []string
	if src.Package.Name != "" {
		ref := src.Package.Name
		if version := src.PackageVersion(); version != "" {
			ref = src.Package.Name + " " + version
		}
		if _, err := lock.Lookup(ref); err != nil {
			problems = append(problems, fmt.Sprintf("root package: %v", err))
		}
	}

	for _, name := range src.DeclaredPackages() {
		if !lock.Has(name) {
			problems = append(problems, fmt.Sprintf("declared dependency %s is not locked", name))
		}
	}

	if len(problems) > 0 {
		return nil, fault.Stagef(fault.ManifestInconsistency, "manifest", "%s does not match %s: %s",
			lockfile, sourceManifest, strings.Join(problems, "; "))
	}

	return lock, nil
}
