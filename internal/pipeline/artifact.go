package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/berth/internal/fault"
)

// RecordFile is the build record written next to the artifact
const RecordFile = "build.json"

// Artifact is the published binary
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Record describes one successful build
type Record struct {
	RunID          string        `json:"run_id"`
	Binary         string        `json:"binary"`
	Linkage        string        `json:"linkage"`
	Revision       string        `json:"revision,omitempty"`
	LockfileDigest string        `json:"lockfile_digest"`
	SourceDigest   string        `json:"source_digest"`
	Artifact       Artifact      `json:"artifact"`
	DeployImage    string        `json:"deploy_image"`
	Steps          []StepOutcome `json:"steps"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// OutputPath is the fixed location of the artifact for a linkage mode
func OutputPath(outputDir string, linkage Linkage, binary string) string {
	return filepath.Join(outputDir, linkage.Mode(), binary)
}

// Publish exports the artifact from the compile image, tags the runner image
// for deployment and writes the build record. The artifact file appears
// atomically: a failed export never leaves a partial binary at the output path.
func Publish(ctx context.Context, engine Engine, plan *Plan, outcomes []StepOutcome, outputDir string) (*Record, error) {
	compile := plan.Step(StageCompile)
	runner := plan.Step(StageRunner)
	if compile == nil || runner == nil {
		return nil, fmt.Errorf("plan has no compile or runner step")
	}

	dest := OutputPath(outputDir, plan.Linkage, plan.Binary)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	artifact, err := exportArtifact(ctx, engine, compile, plan.ArtifactPath, dest)
	if err != nil {
		return nil, err
	}

	deployTag := plan.DeployTag()
	if err := engine.TagImage(ctx, runner.Tag, deployTag); err != nil {
		return nil, fault.Stage(fault.EnvironmentSetupFailure, string(StageRunner), fmt.Errorf("tag %s: %w", deployTag, err))
	}

	record := &Record{
		RunID:          plan.RunID,
		Binary:         plan.Binary,
		Linkage:        plan.Linkage.Mode(),
		Revision:       plan.Revision,
		LockfileDigest: plan.Lockfile.Digest,
		SourceDigest:   plan.Source.Digest,
		Artifact:       *artifact,
		DeployImage:    deployTag,
		Steps:          outcomes,
		FinishedAt:     time.Now().UTC(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode build record: %w", err)
	}
	if err := writeAtomic(filepath.Join(filepath.Dir(dest), RecordFile), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write build record: %w", err)
	}

	return record, nil
}

func exportArtifact(ctx context.Context, engine Engine, compile *Step, src, dest string) (*Artifact, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hasher)}
	if err := engine.ExportFile(ctx, compile.Tag, src, counter); err != nil {
		return nil, fault.Stage(fault.CompilationFailure, string(StageCompile), fmt.Errorf("export %s: %w", src, err))
	}

	if counter.n == 0 {
		return nil, fault.Stagef(fault.CompilationFailure, string(StageCompile), "artifact %s is empty", src)
	}

	if err := tmp.Chmod(0755); err != nil {
		return nil, fmt.Errorf("failed to mark artifact executable: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("failed to publish artifact: %w", err)
	}
	committed = true

	return &Artifact{
		Path:   dest,
		Size:   counter.n,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
