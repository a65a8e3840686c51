package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbpl/local-runner/pipeline"
)

func docWith(pls pipeline.Pipelines) *pipeline.Document {
	return &pipeline.Document{Pipelines: pls}
}

func emptyPipeline() *pipeline.Pipeline { return &pipeline.Pipeline{} }

func TestSelect_CustomWins(t *testing.T) {
	deploy := emptyPipeline()
	doc := docWith(pipeline.Pipelines{Custom: map[string]*pipeline.Pipeline{"deploy": deploy}})
	res, err := Select(doc, Intent{Custom: "deploy"})
	require.NoError(t, err)
	assert.Same(t, deploy, res.Pipeline)
	assert.Equal(t, "custom/deploy", res.Label)
}

func TestSelect_CustomNotFoundIsError(t *testing.T) {
	doc := docWith(pipeline.Pipelines{})
	_, err := Select(doc, Intent{Custom: "missing"})
	assert.Error(t, err)
}

func TestSelect_BranchFallsBackToDefault(t *testing.T) {
	def := emptyPipeline()
	doc := docWith(pipeline.Pipelines{Default: def})
	res, err := Select(doc, Intent{Branch: "feature/x"})
	require.NoError(t, err)
	assert.Same(t, def, res.Pipeline)
	assert.Equal(t, "default", res.Label)
}

func TestSelect_BranchMatchTakesPrecedenceOverDefault(t *testing.T) {
	def := emptyPipeline()
	main := emptyPipeline()
	doc := docWith(pipeline.Pipelines{Default: def, Branches: map[string]*pipeline.Pipeline{"main": main}})
	res, err := Select(doc, Intent{Branch: "main"})
	require.NoError(t, err)
	assert.Same(t, main, res.Pipeline)
}

func TestSelect_BranchWithNoMatchAndNoDefaultIsError(t *testing.T) {
	doc := docWith(pipeline.Pipelines{})
	_, err := Select(doc, Intent{Branch: "main"})
	assert.Error(t, err)
}

func TestSelect_LiteralDefaultPipelineIntent(t *testing.T) {
	def := emptyPipeline()
	doc := docWith(pipeline.Pipelines{Default: def})
	res, err := Select(doc, Intent{Pipeline: "default"})
	require.NoError(t, err)
	assert.Same(t, def, res.Pipeline)
}

func TestSelect_NonDefaultPipelineIntentIsRejected(t *testing.T) {
	doc := docWith(pipeline.Pipelines{Default: emptyPipeline()})
	_, err := Select(doc, Intent{Pipeline: "custom-name"})
	assert.Error(t, err)
}

func TestSelect_NoIntentFallsBackToDefault(t *testing.T) {
	def := emptyPipeline()
	doc := docWith(pipeline.Pipelines{Default: def})
	res, err := Select(doc, Intent{})
	require.NoError(t, err)
	assert.Same(t, def, res.Pipeline)
}

func TestSelect_NoIntentAndNoDefaultIsError(t *testing.T) {
	doc := docWith(pipeline.Pipelines{})
	_, err := Select(doc, Intent{})
	assert.Error(t, err)
}
