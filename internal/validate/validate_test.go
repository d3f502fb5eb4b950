package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/pkg/pointers"
)

func TestNormalize_WidthRoundsToNearestMultipleOfEight(t *testing.T) {
	req := GenerateRequest{PositivePrompt: "a red cube", Width: pointers.Int(513)}
	out, _, err := Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, 512, *out.Width)
}

func TestNormalize_WidthAboveMaxClamps(t *testing.T) {
	req := GenerateRequest{PositivePrompt: "a red cube", Width: pointers.Int(4096)}
	out, _, err := Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, 2048, *out.Width)
}

func TestNormalize_PromptTruncatedNotRejected(t *testing.T) {
	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'a'
	}
	req := GenerateRequest{PositivePrompt: string(long)}
	out, _, err := Normalize(req)
	require.NoError(t, err)
	assert.Len(t, out.PositivePrompt, maxPromptLen)
}

func TestNormalize_HighResBatchDownclamped(t *testing.T) {
	req := GenerateRequest{
		PositivePrompt: "a red cube",
		Width:          pointers.Int(1024),
		Height:         pointers.Int(1024),
		BatchSize:      pointers.Int(4),
	}
	out, _, err := Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, 2, *out.BatchSize)
}

func TestNormalize_UnrecognizedSamplerRejected(t *testing.T) {
	req := GenerateRequest{PositivePrompt: "a red cube", SamplerName: "not-a-sampler"}
	_, _, err := Normalize(req)
	require.Error(t, err)
}

func TestNormalize_IsIdempotent(t *testing.T) {
	req := GenerateRequest{PositivePrompt: "  a   red   cube  ", Width: pointers.Int(513), BatchSize: pointers.Int(4)}
	once, _, err := Normalize(req)
	require.NoError(t, err)
	twice, _, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestParsePriority(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{{"", "normal"}, {"HIGH", "high"}, {"low", "low"}} {
		got, err := ParsePriority(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
