package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dyluth/berth/internal/logging"
	"github.com/dyluth/berth/internal/pipeline"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// apiClient is the part of the Docker API the engine uses
type apiClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageTag(ctx context.Context, source, target string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ apiClient = (*client.Client)(nil)

// Engine builds pipeline steps on a Docker daemon
type Engine struct {
	cli    apiClient
	out    io.Writer
	logger *slog.Logger
}

var _ pipeline.Engine = (*Engine)(nil)

// NewEngine wraps cli. Build output is streamed to out; pass io.Discard to hide it.
func NewEngine(cli *client.Client, out io.Writer, logger *slog.Logger) *Engine {
	return newEngine(cli, out, logger)
}

func newEngine(cli apiClient, out io.Writer, logger *slog.Logger) *Engine {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cli: cli, out: out, logger: logger}
}

// ImageExists reports whether ref is present in the local image store
func (e *Engine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// BuildImage builds one step. Errors reported inside the build stream (a
// failing RUN instruction) are returned as errors, not only printed.
func (e *Engine) BuildImage(ctx context.Context, req pipeline.BuildRequest) error {
	buildContext, err := createBuildContext(req.Dockerfile, req.Source)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}

	buildOptions := types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
		Platform:    req.Platform,
		Labels:      BuildLabels(req),
	}

	e.logger.Debug("Building step image", logging.Stage(string(req.Stage)), logging.Image(req.Tag))

	resp, err := e.cli.ImageBuild(ctx, buildContext, buildOptions)
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, e.out, 0, false, nil); err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return fmt.Errorf("build of %s failed: %s", req.Tag, jerr.Message)
		}
		return fmt.Errorf("error reading build output: %w", err)
	}

	return nil
}

// ExportFile copies the regular file at path out of image ref. A stopped
// container is created for the copy and removed afterwards.
func (e *Engine) ExportFile(ctx context.Context, ref, path string, w io.Writer) error {
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:      ref,
		Entrypoint: []string{"true"},
		Labels:     map[string]string{LabelProject: "true"},
	}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create export container from %s: %w", ref, err)
	}
	defer func() {
		// Use a fresh context so cleanup survives cancellation of the build
		if err := e.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn("Failed to remove export container", slog.String("container", resp.ID), logging.Error(err))
		}
	}()

	rc, _, err := e.cli.CopyFromContainer(ctx, resp.ID, path)
	if err != nil {
		return fmt.Errorf("failed to copy %s from %s: %w", path, ref, err)
	}
	defer rc.Close()

	return extractSingleFile(rc, path, w)
}

// extractSingleFile writes the first entry of a tar stream to w. The Docker
// copy API wraps a single path in a tar archive.
func extractSingleFile(r io.Reader, path string, w io.Writer) error {
	tr := tar.NewReader(r)
	header, err := tr.Next()
	if err == io.EOF {
		return fmt.Errorf("%s: empty archive", path)
	}
	if err != nil {
		return fmt.Errorf("failed to read archive for %s: %w", path, err)
	}

	if header.Typeflag != tar.TypeReg {
		return fmt.Errorf("%s is not a regular file", path)
	}

	if _, err := io.Copy(w, tr); err != nil {
		return fmt.Errorf("failed to extract %s: %w", path, err)
	}
	return nil
}

// TagImage adds target as a tag of source
func (e *Engine) TagImage(ctx context.Context, source, target string) error {
	if err := e.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag %s as %s: %w", source, target, err)
	}
	return nil
}
