// Package manifest verifies that the pinned dependency manifest (Cargo.lock)
// pins every transitive dependency and agrees with the declared source tree
// (Cargo.toml) before any build stage runs.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// MinLockfileVersion is the first lockfile format carrying per-package checksums
const MinLockfileVersion = 3

// Package is one locked package
type Package struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source"`
	Checksum     string   `toml:"checksum"`
	Dependencies []string `toml:"dependencies"`
}

// ID returns "name version"
func (p Package) ID() string {
	return p.Name + " " + p.Version
}

// key identifies a package within a lockfile: one name and version may be
// locked from several sources
func (p Package) key() string {
	return p.ID() + " (" + p.Source + ")"
}

// Lockfile is a parsed dependency manifest
type Lockfile struct {
	Path     string
	Version  int       `toml:"version"`
	Packages []Package `toml:"package"`

	// Digest is the sha256 of the file bytes; it keys the compile cache
	Digest string
}

// ParseLockfile reads and parses the lockfile at path
func ParseLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("lockfile %s is missing", path)
		}
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var lock Lockfile
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	lock.Path = path
	lock.Digest = hex.EncodeToString(sum[:])

	return &lock, nil
}

// Lookup finds the locked package for a dependency reference as written in a
// lockfile "dependencies" list: "name", "name version" or "name version (source)".
func (l *Lockfile) Lookup(ref string) (*Package, error) {
	name, version, source := splitRef(ref)

	var matches []*Package
	for i := range l.Packages {
		p := &l.Packages[i]
		if p.Name != name {
			continue
		}
		if version != "" && p.Version != version {
			continue
		}
		if source != "" && !sameSource(p.Source, source) {
			continue
		}
		matches = append(matches, p)
	}

	switch len(matches) {
	case 0:
		if source != "" {
			return nil, fmt.Errorf("dependency %s %s (%s) is not locked", name, version, source)
		}
		if version != "" {
			return nil, fmt.Errorf("dependency %s %s is not locked", name, version)
		}
		return nil, fmt.Errorf("dependency %s is not locked", name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("dependency %s is ambiguous: %d locked versions", name, len(matches))
	}
}

// Has reports whether any locked package carries name
func (l *Lockfile) Has(name string) bool {
	for _, p := range l.Packages {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Check verifies that every package is pinned and every reference resolves.
// All problems are reported together.
func (l *Lockfile) Check() error {
	var problems []string

	if l.Version < MinLockfileVersion {
		problems = append(problems, fmt.Sprintf("lockfile format v%d predates per-package checksums (need v%d or later)", l.Version, MinLockfileVersion))
	}

	if len(l.Packages) == 0 {
		problems = append(problems, "lockfile has no packages")
	}

	seen := make(map[string]bool)
	for _, p := range l.Packages {
		if p.Name == "" {
			problems = append(problems, "package entry without a name")
			continue
		}
		if p.Version == "" {
			problems = append(problems, fmt.Sprintf("package %s has no pinned version", p.Name))
			continue
		}

		id := p.ID()
		if seen[p.key()] {
			problems = append(problems, fmt.Sprintf("package %s is locked twice", id))
		}
		seen[p.key()] = true

		switch {
		case strings.HasPrefix(p.Source, "registry+") && p.Checksum == "":
			problems = append(problems, fmt.Sprintf("package %s has no checksum", id))
		case strings.HasPrefix(p.Source, "git+") && !strings.Contains(p.Source, "#"):
			problems = append(problems, fmt.Sprintf("package %s is not pinned to a commit", id))
		}

		for _, ref := range p.Dependencies {
			if _, err := l.Lookup(ref); err != nil {
				problems = append(problems, fmt.Sprintf("package %s: %v", id, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// sameSource compares lockfile sources, ignoring a git commit fragment
// when only one side carries it
func sameSource(a, b string) bool {
	if a == b {
		return true
	}
	baseA, _, hasA := strings.Cut(a, "#")
	baseB, _, hasB := strings.Cut(b, "#")
	return hasA != hasB && baseA == baseB
}

func splitRef(ref string) (name, version, source string) {
	fields := strings.Fields(ref)
	if len(fields) > 0 {
		name = fields[0]
	}
	if len(fields) > 1 {
		version = fields[1]
	}
	if len(fields) > 2 {
		source = strings.Trim(strings.Join(fields[2:], " "), "()")
	}
	return name, version, source
}
