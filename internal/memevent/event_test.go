package memevent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFileRejectsTraversal(t *testing.T) {
	_, err := NormalizeFile("notes/../../etc/passwd")
	require.Error(t, err)

	_, err = NormalizeFile("../secrets.md")
	require.Error(t, err)
}

func TestNormalizeFileCollapsesDoubleSlashes(t *testing.T) {
	clean, err := NormalizeFile("notes//a.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", clean)
}

func TestDeriveTopicPathDefaultsToRoot(t *testing.T) {
	assert.Equal(t, "root", DeriveTopicPath("a.md", ""))
	assert.Equal(t, "notes", DeriveTopicPath("notes/a.md", ""))
	assert.Equal(t, "explicit/override", DeriveTopicPath("notes/a.md", "explicit/override"))
}

func TestTopicTagsProgressivePrefixes(t *testing.T) {
	assert.Equal(t, []string{"a", "a/b", "a/b/c"}, TopicTags("a/b/c"))
	assert.Equal(t, []string{"root"}, TopicTags("root"))
}

func TestSummarizePreservesHeadAndTail(t *testing.T) {
	long := strings.Repeat("x", SummaryHeadTailLimit*2)
	summary := Summarize(long)
	assert.Less(t, len(summary), len(long))
	assert.True(t, strings.HasPrefix(summary, "x"))
	assert.True(t, strings.HasSuffix(summary, "x"))
}

func TestEventIDStableForSameInputs(t *testing.T) {
	id1 := EventID("alpha", "notes/a.md", "hello")
	id2 := EventID("alpha", "notes/a.md", "hello")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 32)

	id3 := EventID("alpha", "notes/a.md", "different")
	assert.NotEqual(t, id1, id3)
}

func TestDedupeKeyChangesWithContent(t *testing.T) {
	k1 := DedupeKey("alpha", "notes/a.md", "hello")
	k2 := DedupeKey("alpha", "notes/a.md", "hello2")
	assert.NotEqual(t, k1, k2)
}

func TestApplySecretPolicyModes(t *testing.T) {
	content := "token is sk-abcdef0123456789abcdef"

	redacted, warnings, ok := ApplySecretPolicy(content, SecretModeRedact)
	require.True(t, ok)
	assert.NotContains(t, redacted, "sk-abcdef")
	assert.NotEmpty(t, warnings)

	_, _, ok = ApplySecretPolicy(content, SecretModeBlock)
	assert.False(t, ok)

	passthrough, _, ok := ApplySecretPolicy(content, SecretModeAllow)
	require.True(t, ok)
	assert.Equal(t, content, passthrough)
}
