package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/fault"
	"github.com/dyluth/berth/internal/manifest"
)

// BuildDir is where the compile step places the source tree
const BuildDir = "/build"

// Plan is the ordered, keyed set of steps for one linkage mode
type Plan struct {
	RunID    string
	Revision string
	Linkage  Linkage
	Binary   string
	Image    string
	Platform string
	Steps    []Step

	Lockfile *manifest.Lockfile
	Source   *SourceTree

	// ArtifactPath is the absolute path of the binary inside the compile image
	ArtifactPath string
	// DeployPath is where the runner image carries the binary
	DeployPath string
}

// NewPlan derives the four steps from the build configuration. The lockfile
// must already be verified. Keys are computed in order so each step's key
// covers its parent's.
func NewPlan(cfg config.BuildConfig, linkage Linkage, lock *manifest.Lockfile, source *SourceTree) (*Plan, error) {
	if lock == nil || source == nil {
		return nil, fmt.Errorf("plan needs a verified lockfile and a scanned source tree")
	}

	p := &Plan{
		Linkage:      linkage,
		Binary:       cfg.Binary,
		Image:        cfg.Image,
		Platform:     cfg.Platform,
		Lockfile:     lock,
		Source:       source,
		ArtifactPath: path.Join(BuildDir, linkage.ArtifactPath(cfg.Binary)),
		DeployPath:   path.Join("/bin", cfg.Binary),
	}

	// Base: native storage library headers on the pinned OS image
	base := Step{
		Name: StageBase,
		From: cfg.BaseImage,
		Instructions: []string{
			aptInstall(cfg.StorageLibrary.DevPackage),
		},
		Inputs:  []Input{{Name: "storage-library-dev", Digest: cfg.StorageLibrary.DevPackage}},
		Outputs: []string{"storage-library-dev"},
		Failure: fault.EnvironmentSetupFailure,
	}
	p.add(&base)

	// Builder: build-only tooling, never shipped
	tools := cfg.Toolchain.Packages()
	builder := Step{
		Name:   StageBuilder,
		Parent: StageBase,
		From:   base.Tag,
		Instructions: []string{
			aptInstall(tools...),
		},
		Inputs:  []Input{{Name: "toolchain", Digest: strings.Join(tools, ",")}},
		Outputs: []string{"toolchain"},
		Failure: fault.EnvironmentSetupFailure,
	}
	p.add(&builder)

	// Compile: the only step that sees the source tree and the lockfile
	compileIns := []string{"WORKDIR " + BuildDir}
	compileIns = append(compileIns, linkage.Prelude()...)
	compileIns = append(compileIns,
		fmt.Sprintf("COPY %s ./%s", cfg.SourceManifest, cfg.SourceManifest),
		fmt.Sprintf("COPY %s ./%s", cfg.Manifest, cfg.Manifest),
		"COPY . .",
		"RUN "+strings.Join(cargoCommand(cfg.Binary, linkage), " "),
		"RUN test -s "+p.ArtifactPath,
	)
	compile := Step{
		Name:         StageCompile,
		Parent:       StageBuilder,
		From:         builder.Tag,
		Instructions: compileIns,
		Inputs: []Input{
			{Name: "lockfile", Digest: lock.Digest},
			{Name: "source", Digest: source.Digest},
		},
		Outputs:    []string{p.ArtifactPath},
		UsesSource: true,
		Failure:    fault.CompilationFailure,
	}
	p.add(&compile)

	// Runner: minimal runtime image with the storage library runtime and the binary only
	runner := Step{
		Name:   StageRunner,
		Parent: StageCompile,
		From:   cfg.RuntimeImage,
		Instructions: []string{
			aptInstall(cfg.StorageLibrary.RuntimePackage),
			fmt.Sprintf("COPY --from=%s %s %s", compile.Tag, p.ArtifactPath, p.DeployPath),
			fmt.Sprintf(`ENTRYPOINT ["%s"]`, p.DeployPath),
		},
		Inputs: []Input{
			{Name: "artifact", Digest: compile.Key},
			{Name: "storage-library-runtime", Digest: cfg.StorageLibrary.RuntimePackage},
		},
		Outputs: []string{p.DeployPath},
		Failure: fault.EnvironmentSetupFailure,
	}
	p.add(&runner)

	return p, nil
}

func (p *Plan) add(s *Step) {
	s.Key = cacheKey(s)
	s.Tag = fmt.Sprintf("%s:%s-%s", p.Image, s.Name, s.ShortKey())
	p.Steps = append(p.Steps, *s)
}

// Step returns the step called name
func (p *Plan) Step(name StageName) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// DeployTag is the tag published for the runner image
func (p *Plan) DeployTag() string {
	return fmt.Sprintf("%s:%s", p.Image, p.Linkage.Mode())
}

func cargoCommand(binary string, linkage Linkage) []string {
	args := []string{"cargo", "build", "--release", "--locked", "--bin", binary}
	return append(args, linkage.CargoArgs()...)
}
