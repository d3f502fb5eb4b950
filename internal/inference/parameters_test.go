package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/logger"
)

func baseWorkflow() map[string]any {
	return map[string]any{
		"6": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": "a cat"}},
		"7": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{"text": "blurry"}},
		"5": map[string]any{"class_type": "EmptyLatentImage", "inputs": map[string]any{"width": 512, "height": 512, "batch_size": 1}},
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 0, "steps": 20, "cfg": 8.0}},
	}
}

func TestInjectParameters_WritesMappedFields(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	out, err := InjectParameters(baseWorkflow(), map[string]any{
		"positive_prompt": "a dog",
		"negative_prompt": "watermark",
		"seed":            float64(42),
		"width":           float64(768),
	}, log)
	require.NoError(t, err)

	assert.Equal(t, "a dog", out["6"].(map[string]any)["inputs"].(map[string]any)["text"])
	assert.Equal(t, "watermark", out["7"].(map[string]any)["inputs"].(map[string]any)["text"])
	assert.Equal(t, float64(42), out["3"].(map[string]any)["inputs"].(map[string]any)["seed"])
	assert.Equal(t, float64(768), out["5"].(map[string]any)["inputs"].(map[string]any)["width"])
}

func TestInjectParameters_UnknownNameIgnored(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	original := baseWorkflow()
	out, err := InjectParameters(original, map[string]any{"not_a_real_param": "x"}, log)
	require.NoError(t, err)
	assert.Equal(t, "a cat", out["6"].(map[string]any)["inputs"].(map[string]any)["text"])
}

func TestInjectParameters_RandomizesSeedMinusOne(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	for _, seed := range []any{float64(-1), int64(-1), -1} {
		out, err := InjectParameters(baseWorkflow(), map[string]any{"seed": seed}, log)
		require.NoError(t, err)

		injected := out["3"].(map[string]any)["inputs"].(map[string]any)["seed"]
		v, ok := injected.(int64)
		require.True(t, ok, "randomized seed should be an int64, got %T", injected)
		assert.GreaterOrEqual(t, v, int64(0))
		assert.LessOrEqual(t, v, int64(1)<<32-1)
	}
}

func TestInjectParameters_IsIdempotent(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	params := map[string]any{"positive_prompt": "a dog", "seed": float64(7), "steps": float64(12)}
	once, err := InjectParameters(baseWorkflow(), params, log)
	require.NoError(t, err)
	twice, err := InjectParameters(once, params, log)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestInjectParameters_DoesNotMutateInput(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	original := baseWorkflow()
	_, err = InjectParameters(original, map[string]any{"positive_prompt": "changed"}, log)
	require.NoError(t, err)
	assert.Equal(t, "a cat", original["6"].(map[string]any)["inputs"].(map[string]any)["text"])
}
