package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	segs, err := Build("org-1", "user-1", "asst-1", CategoryMemories)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "user-1", "asst-1", "memories"}, segs)
}

func TestBuild_RejectsEmptySegment(t *testing.T) {
	_, err := Build("org-1", "  ", "asst-1", CategoryMemories)
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestExtractComponents_Missing(t *testing.T) {
	assert.Nil(t, ExtractComponents(map[string]any{"org_id": "o"}))
	assert.Nil(t, ExtractComponents(map[string]any{"org_id": "o", "user_id": "u", "assistant_id": 5}))
}

func TestExtractComponents_Present(t *testing.T) {
	c := ExtractComponents(map[string]any{"org_id": "o", "user_id": "u", "assistant_id": "a"})
	require.NotNil(t, c)
	assert.Equal(t, Components{OrgID: "o", UserID: "u", AssistantID: "a"}, *c)
}

func TestNormalize_ShapeInvariant(t *testing.T) {
	fromString, err := Normalize("prefs")
	require.NoError(t, err)
	fromSlice, err := Normalize([]string{"prefs"})
	require.NoError(t, err)
	assert.Equal(t, fromSlice, fromString)
}

func TestNormalize_Idempotent(t *testing.T) {
	once, err := Normalize([]string{"a", "b"})
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalize_JSONEncodedQueryArray(t *testing.T) {
	segs, err := Normalize(`["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, segs)
}

func TestNormalize_NeverSplitsOnDots(t *testing.T) {
	segs, err := Normalize("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.b.c"}, segs)
}

func TestNormalize_RejectsEmpty(t *testing.T) {
	_, err := Normalize("")
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}
