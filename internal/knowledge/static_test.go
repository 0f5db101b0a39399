package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "tiers", Content: "large sends need sms and email pins", Keywords: []string{"verify", "PIN"}},
		{Title: "staking", Content: "lock VIBE for a multiplier", Keywords: []string{"stake"}},
	}, 0)

	got := provider.Query("Why do I need a pin?")
	require.Len(t, got, 1)
	assert.Equal(t, "tiers", got[0].Title)
	assert.Empty(t, provider.Query("hello"))

	var nilProvider *StaticProvider
	assert.Nil(t, nilProvider.Query("stake"))
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- title: always
  content: shown for every message
- title: staking
  content: multiplier
  keywords: [stake]
`), 0o600))

	provider, err := LoadStaticProvider(path, 5)
	require.NoError(t, err)
	assert.Len(t, provider.Query("how do I stake"), 2)
	assert.Len(t, provider.Query("hi"), 1)

	_, err = LoadStaticProvider("", 1)
	assert.Error(t, err)
}
