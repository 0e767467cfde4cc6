package checkpoints_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distclip/distclip/checkpoints"
	"github.com/distclip/distclip/clip"
	"github.com/distclip/distclip/module"
	"github.com/distclip/distclip/types/tensor"
)

func multiStage(numChunks int, seed int64) module.StageSet {
	mods := make([]module.Module, numChunks)
	for v := 0; v < numChunks; v++ {
		mods[v] = clip.NewStage(fmt.Sprintf("stage%d", v), 4, 4, seed+int64(v))
	}
	if numChunks == 1 {
		return module.SingleStage(mods[0])
	}
	return module.MultiStage(mods)
}

func TestSplitKeys(t *testing.T) {
	single := checkpoints.Split(multiStage(1, 1))
	require.Len(t, single, 1)
	assert.Equal(t, "model", single[0].Key)

	multi := checkpoints.Split(multiStage(4, 1))
	require.Len(t, multi, 4)
	for i, s := range multi {
		assert.Equal(t, checkpoints.ShardKey(i), s.Key)
	}
}

// Save/load over four virtual stages restores every parameter bit for bit.
func TestRoundTripInterleaved(t *testing.T) {
	h, err := checkpoints.Build().Dir(t.TempDir()).Done()
	require.NoError(t, err)

	src := multiStage(4, 42)
	require.NoError(t, h.Save(src, 7))
	want := map[string]*tensor.Local{}
	for _, p := range src.Parameters() {
		want[p.Name] = p.Value.Clone()
	}

	// Same architecture, different initialization.
	dst := multiStage(4, 1234)
	step, err := h.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 7, step)
	for _, p := range dst.Parameters() {
		require.Contains(t, want, p.Name)
		assert.Equal(t, want[p.Name].Bytes(), p.Value.Bytes(), "parameter %q", p.Name)
	}
}

func TestRoundTripSingleStage(t *testing.T) {
	h, err := checkpoints.Build().Dir(t.TempDir()).Done()
	require.NoError(t, err)
	src := multiStage(1, 42)
	require.NoError(t, h.Save(src, 1))
	dst := multiStage(1, 99)
	step, err := h.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 1, step)
	assert.Equal(t, src.Parameters()[0].Value.Bytes(), dst.Parameters()[0].Value.Bytes())
}

// A checkpoint written for a different virtual-stage count must not load.
func TestStageCountMismatch(t *testing.T) {
	h, err := checkpoints.Build().Dir(t.TempDir()).Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(multiStage(4, 42), 0))

	_, err = h.Load(multiStage(2, 42))
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoints.ErrStructuralMismatch))
}

func TestRestoreRejectsRenamedShard(t *testing.T) {
	stages := multiStage(2, 42)
	shards := checkpoints.Split(stages)
	shards[1].Key = "model9"
	err := checkpoints.Restore(stages, shards)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoints.ErrStructuralMismatch))
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	h, err := checkpoints.Build().Dir(t.TempDir()).Done()
	require.NoError(t, err)
	step, err := h.Load(multiStage(1, 42))
	require.NoError(t, err)
	assert.Equal(t, -1, step)
}

func TestKeepPrunesOldCheckpoints(t *testing.T) {
	h, err := checkpoints.Build().Dir(t.TempDir()).Keep(2).Done()
	require.NoError(t, err)
	stages := multiStage(1, 42)
	for step := 1; step <= 5; step++ {
		require.NoError(t, h.Save(stages, step))
	}
	steps, err := h.Steps()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, steps)
}

func TestBuildRequiresDir(t *testing.T) {
	_, err := checkpoints.Build().Done()
	require.Error(t, err)
}
