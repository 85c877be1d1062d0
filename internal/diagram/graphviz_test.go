package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

func TestRenderImageLinear(t *testing.T) {
	model, err := Build("story", linearGraph(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.NotEmpty(t, png)

	// PNG magic bytes: 0x89 P N G.
	assert.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageWithStatus(t *testing.T) {
	runs := []*store.NodeRun{
		{NodeID: "p1", Status: schema.NodeStatusCompleted},
		{NodeID: "img-1", Status: schema.NodeStatusRunning},
		{NodeID: "l1", Status: schema.NodeStatusFailed, Provider: "fal"},
	}
	model, err := Build("", fanInGraph(), runs)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.NotEmpty(t, png)
	assert.Equal(t, byte(0x89), png[0])
}

func TestRenderSVG(t *testing.T) {
	runs := []*store.NodeRun{{NodeID: "t1", Status: schema.NodeStatusCanceled}}
	model, err := Build("story", linearGraph(), runs)
	require.NoError(t, err)

	svg, err := RenderSVG(context.Background(), model)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "story")
}
