package pipeline

import (
	"fmt"
	"strings"

	"github.com/dyluth/berth/internal/fault"
)

// StageName identifies a build step
type StageName string

// Steps in execution order
const (
	StageBase    StageName = "base"
	StageBuilder StageName = "builder"
	StageCompile StageName = "compile"
	StageRunner  StageName = "runner"
)

// Input is a declared step input and the digest of its content
type Input struct {
	Name   string
	Digest string
}

// Step is one layer of the build. Its inputs are the outputs of earlier
// steps (through From and COPY --from) or pinned content digests.
type Step struct {
	Name         StageName
	Parent       StageName // Empty for steps rooted at an external image
	From         string
	Instructions []string
	Inputs       []Input
	Outputs      []string
	UsesSource   bool
	Failure      fault.Kind // Classification of a failure in this step

	Key string // Cache key, set by the plan
	Tag string // Image tag derived from Key
}

// Dockerfile renders the step as a single-stage Dockerfile
func (s *Step) Dockerfile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", s.From)
	for _, ins := range s.Instructions {
		b.WriteString(ins)
		b.WriteByte('\n')
	}
	return b.String()
}

// ShortKey returns the key prefix used in tags and tables
func (s *Step) ShortKey() string {
	if len(s.Key) < shortKeyLength {
		return s.Key
	}
	return s.Key[:shortKeyLength]
}

const shortKeyLength = 16

// aptInstall renders a package installation that leaves no package lists behind
func aptInstall(pkgs ...string) string {
	return "RUN apt-get update && apt-get install -y --no-install-recommends " +
		strings.Join(pkgs, " ") + " && rm -rf /var/lib/apt/lists/*"
}
