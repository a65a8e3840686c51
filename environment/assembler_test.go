package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCtx() PipelineContext {
	return PipelineContext{
		Workspace:    "/workspace",
		RepoSlug:     "myrepo",
		RepoUUID:     "00000000-0000-0000-0000-000000000000",
		RepoFullName: "me/myrepo",
		BuildNumber:  42,
		Commit:       "local-commit",
		Branch:       "main",
		PipelineUUID: "pipe-uuid",
		TriggererUUID: "trig-uuid",
	}
}

func TestAssemble_LayerPrecedence(t *testing.T) {
	a := New(
		map[string]string{"FOO": "process"},
		map[string]string{"FOO": "cwd-env"},
		map[string]string{"FOO": "user-env"},
		map[string]string{"FOO": "pipelines-env"},
		map[string]string{"FOO": "default"},
	)
	out := a.Assemble(baseCtx(), StepIdentity{}, nil)
	assert.Equal(t, "default", out["FOO"])
}

func TestAssemble_StepVariablesOverrideDefaultsButNotSystem(t *testing.T) {
	a := New(nil, nil, nil, nil, map[string]string{"GREETING": "hi"})
	out := a.Assemble(baseCtx(), StepIdentity{}, map[string]string{
		"GREETING":      "hello",
		"BBPL_WORKSPACE": "/tmp/should-be-ignored",
	})
	assert.Equal(t, "hello", out["GREETING"])
	assert.Equal(t, "/workspace", out["BBPL_WORKSPACE"])
}

func TestAssemble_SystemVariablesPresent(t *testing.T) {
	a := New(nil, nil, nil, nil, nil)
	out := a.Assemble(baseCtx(), StepIdentity{}, nil)
	require.Contains(t, out, "BBPL_REPO_SLUG")
	assert.Equal(t, "myrepo", out["BBPL_REPO_SLUG"])
	assert.Equal(t, "42", out["BBPL_BUILD_NUMBER"])
	assert.Equal(t, "true", out["BBPL_LOCAL"])
	assert.NotContains(t, out, "PARALLEL_STEP")
}

func TestAssemble_ParallelStepVariables(t *testing.T) {
	a := New(nil, nil, nil, nil, nil)
	out := a.Assemble(baseCtx(), StepIdentity{InParallel: true, ParallelSize: 3}, nil)
	assert.Equal(t, "true", out["PARALLEL_STEP"])
	assert.Equal(t, "3", out["PARALLEL_STEP_COUNT"])
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("FOO_BAR"))
	assert.True(t, ValidName("_leading"))
	assert.False(t, ValidName("1FOO"))
	assert.False(t, ValidName("FOO-BAR"))
}

func TestAssemble_InvalidNamesSurfaced(t *testing.T) {
	var invalid []string
	a := New(map[string]string{"1BAD": "x"}, nil, nil, nil, nil)
	a.InvalidNames = &invalid
	a.Assemble(baseCtx(), StepIdentity{}, map[string]string{"ALSO-BAD": "y"})
	assert.Contains(t, invalid, "1BAD")
	assert.Contains(t, invalid, "ALSO-BAD")
}

func TestDotEnvReader_ParsesSimpleKeyValuePairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# a comment\n\nFOO=bar\nexport BAZ=qux\nQUOTED=\"with spaces\"\nSINGLE='also quoted'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := DotEnvReader{}.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "bar", got["FOO"])
	assert.Equal(t, "qux", got["BAZ"])
	assert.Equal(t, "with spaces", got["QUOTED"])
	assert.Equal(t, "also quoted", got["SINGLE"])
}

func TestDotEnvReader_MissingFileIsNotAnError(t *testing.T) {
	got, err := DotEnvReader{}.Read(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDotEnvReader_MalformedLineIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pair\n"), 0o644))

	_, err := DotEnvReader{}.Read(path)
	assert.Error(t, err)
}
