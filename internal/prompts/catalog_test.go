package prompts

import (
	"testing"

	"github.com/jonathan/novel-creator/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultCatalog(t *testing.T) {
	c, err := LoadDefaultCatalog()
	require.NoError(t, err)

	for _, stage := range types.StageSequence {
		id, ok, err := c.GroupPrompt(7, stage)
		require.NoError(t, err)
		require.True(t, ok, stage)

		tmpl, err := c.Template(id)
		require.NoError(t, err)
		assert.Equal(t, stage, tmpl.Stage)
		assert.NotEmpty(t, tmpl.User)
	}
}

func TestCatalog_UnknownIDs(t *testing.T) {
	c := NewCatalog()

	_, err := c.Template(42)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "template", nf.Kind)

	_, _, err = c.GroupPrompt(9, types.StageIdea)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "group", nf.Kind)
	assert.False(t, c.HasGroup(9))
}

func TestCatalog_RegisterGroupValidatesTemplates(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(Template{ID: 1, Stage: types.StageIdea, User: "go"}))

	err := c.RegisterGroup(Group{ID: 2, Stages: map[types.StageType]int64{types.StageIdea: 1, types.StageTitle: 5}})
	assert.Error(t, err)

	require.NoError(t, c.RegisterGroup(Group{ID: 2, Stages: map[types.StageType]int64{types.StageIdea: 1}}))
	_, ok, err := c.GroupPrompt(2, types.StageTitle)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_RegisterRejectsInvalid(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.Register(Template{ID: 0, User: "x"}))
	assert.Error(t, c.Register(Template{ID: 3}))
}
