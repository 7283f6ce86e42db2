package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	m, err := Build(linearGraph(), flowOf(t), []*schema.StepResult{
		{StepID: "fetch", Status: schema.StepStatusCompleted},
		{StepID: "shape", Status: schema.StepStatusSkipped},
	})
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, "png")
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGWithCluster(t *testing.T) {
	m, err := Build(branchingGraph(), flowOf(t), nil)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), m, "svg")
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "each body")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	m, err := Build(linearGraph(), flowOf(t), nil)
	require.NoError(t, err)
	_, err = RenderImage(context.Background(), m, "gif")
	assert.Error(t, err)
}
