//go:build integration

package docker

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngine_BuildAndExport builds a throwaway image on the local daemon and
// exports a file from it.
func TestEngine_BuildAndExport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cli, err := NewClient(ctx)
	require.NoError(t, err)
	defer cli.Close()

	tag := fmt.Sprintf("berth-test/export:%d", time.Now().UnixNano())

	e := NewEngine(cli, nil, nil)

	exists, err := e.ImageExists(ctx, tag)
	require.NoError(t, err)
	assert.False(t, exists)

	err = e.BuildImage(ctx, pipeline.BuildRequest{
		Tag:        tag,
		Dockerfile: "FROM alpine:3.19\nRUN printf 'artifact' > /artifact\n",
		RunID:      GenerateRunID(),
		Stage:      pipeline.StageCompile,
		Linkage:    "dynamic",
	})
	require.NoError(t, err)

	exists, err = e.ImageExists(ctx, tag)
	require.NoError(t, err)
	assert.True(t, exists)

	var buf bytes.Buffer
	require.NoError(t, e.ExportFile(ctx, tag, "/artifact", &buf))
	assert.Equal(t, "artifact", buf.String())

	err = e.BuildImage(ctx, pipeline.BuildRequest{
		Tag:        tag + "-broken",
		Dockerfile: "FROM alpine:3.19\nRUN exit 3\n",
		Stage:      pipeline.StageBase,
	})
	assert.Error(t, err)
}
