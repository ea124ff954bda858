package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	m, ok := Lookup(DeepThink)
	require.True(t, ok)
	assert.Equal(t, "DeepThink", m.Title)
	assert.Equal(t, 0.8, m.Sampling.Temperature)
	assert.Equal(t, 4000, m.Sampling.MaxTokens)

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestGetFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default, Get("missing").ID)
	assert.Equal(t, Coder, Get(Coder).ID)
}

func TestParse(t *testing.T) {
	id, err := Parse("expert")
	require.NoError(t, err)
	assert.Equal(t, Expert, id)

	_, err = Parse("turbo")
	assert.Error(t, err)
}

func TestNextCycles(t *testing.T) {
	all := All()
	id := all[0].ID
	for range all {
		id = Next(id)
	}
	assert.Equal(t, all[0].ID, id)
	assert.Equal(t, Default, Next("unknown"))
}

func TestValidateRejectsBadTables(t *testing.T) {
	good := Mode{ID: "a", SystemPrompt: "p", Sampling: Sampling{Temperature: 1, MaxTokens: 10}}

	assert.NoError(t, validate([]Mode{good}))
	assert.Error(t, validate(nil))
	assert.Error(t, validate([]Mode{good, good}))

	noPrompt := good
	noPrompt.SystemPrompt = ""
	assert.Error(t, validate([]Mode{noPrompt}))

	hot := good
	hot.Sampling.Temperature = 2.5
	assert.Error(t, validate([]Mode{hot}))

	noTokens := good
	noTokens.Sampling.MaxTokens = 0
	assert.Error(t, validate([]Mode{noTokens}))
}

func TestAllReturnsCopy(t *testing.T) {
	all := All()
	all[0].Title = "changed"
	assert.NotEqual(t, "changed", All()[0].Title)
}
