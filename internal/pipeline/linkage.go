package pipeline

import (
	"fmt"
	"path"

	"github.com/dyluth/berth/internal/config"
)

// Linkage is the linkage mode chosen once before the builder stage. It is a
// closed set: Dynamic or StaticMusl.
type Linkage interface {
	// Mode is the configuration name of the variant
	Mode() string

	// Prelude returns the compile-stage instructions that run before the
	// source is copied in
	Prelude() []string

	// CargoArgs returns the extra arguments for the release build
	CargoArgs() []string

	// ArtifactPath is where cargo leaves the binary, relative to the build dir
	ArtifactPath(binary string) string

	linkage()
}

// Dynamic links against the build environment's shared C runtime
type Dynamic struct{}

func (Dynamic) Mode() string        { return config.LinkageDynamic }
func (Dynamic) Prelude() []string   { return nil }
func (Dynamic) CargoArgs() []string { return nil }
func (Dynamic) ArtifactPath(binary string) string {
	return path.Join("target", "release", binary)
}
func (Dynamic) linkage() {}

// StaticMusl registers the musl target with the toolchain and builds against
// it. Only the C runtime becomes static; the storage engine library is still
// loaded dynamically, which is why the runner stage installs its runtime package.
type StaticMusl struct {
	Target string
}

func (StaticMusl) Mode() string { return config.LinkageStaticMusl }

func (s StaticMusl) Prelude() []string {
	return []string{"RUN rustup target add " + s.Target}
}

func (s StaticMusl) CargoArgs() []string {
	return []string{"--target", s.Target}
}

func (s StaticMusl) ArtifactPath(binary string) string {
	return path.Join("target", s.Target, "release", binary)
}

func (StaticMusl) linkage() {}

// ParseLinkage selects the variant named by mode
func ParseLinkage(mode, muslTarget string) (Linkage, error) {
	switch mode {
	case config.LinkageDynamic:
		return Dynamic{}, nil
	case config.LinkageStaticMusl:
		if muslTarget == "" {
			return nil, fmt.Errorf("linkage %s needs a musl target", mode)
		}
		return StaticMusl{Target: muslTarget}, nil
	default:
		return nil, fmt.Errorf("unknown linkage mode: %s", mode)
	}
}
