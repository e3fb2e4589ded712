package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
)

// DockerfileName is the name of the generated Dockerfile inside the build
// context. It is hidden, so it can never collide with a file of the source tree.
const DockerfileName = ".berth.Dockerfile"

// Files excluded from COPY by the generated .dockerignore
var contextIgnores = []string{DockerfileName, ".dockerignore"}

// contextTime is used for every tar entry so identical trees give identical contexts
var contextTime = time.Unix(0, 0)

// createBuildContext packs the step's Dockerfile and, for steps that consume
// it, the scanned source tree into a tar archive.
func createBuildContext(dockerfile string, source *pipeline.SourceTree) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := addBytes(tw, DockerfileName, []byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := addBytes(tw, ".dockerignore", []byte(ignoreFile())); err != nil {
		return nil, err
	}

	if source != nil {
		for _, f := range source.Files {
			if err := addSourceFile(tw, source, f); err != nil {
				return nil, fmt.Errorf("failed to add %s to build context: %w", f.Path, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish build context: %w", err)
	}

	return &buf, nil
}

func ignoreFile() string {
	var b bytes.Buffer
	for _, name := range contextIgnores {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return b.String()
}

func addBytes(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: contextTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func addSourceFile(tw *tar.Writer, source *pipeline.SourceTree, f pipeline.SourceFile) error {
	header := &tar.Header{
		Name:    f.Path,
		Mode:    int64(f.Mode.Perm()),
		ModTime: contextTime,
	}

	if f.Linkname != "" {
		header.Typeflag = tar.TypeSymlink
		header.Linkname = f.Linkname
		return tw.WriteHeader(header)
	}

	header.Typeflag = tar.TypeReg
	header.Size = f.Size
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	file, err := source.Open(f)
	if err != nil {
		return err
	}
	defer file.Close()

	// The tree was digested at scan time; a file that changed size since
	// then would silently corrupt the cache key
	n, err := io.Copy(tw, file)
	if err != nil {
		return err
	}
	if n != f.Size {
		return fmt.Errorf("file changed during build (%d bytes, expected %d)", n, f.Size)
	}
	return nil
}
