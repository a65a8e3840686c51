package runnerconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeEnv_OverridesLogLevelAndImage(t *testing.T) {
	base := Defaults()
	merged := mergeEnv(base, []string{"BBPL_LOG_LEVEL=debug", "BBPL_DOCKER_IMAGE=alpine:3.19", "BBPL_VERBOSE=true"})
	assert.Equal(t, "debug", merged.LogLevel)
	assert.Equal(t, "alpine:3.19", merged.DefaultImage)
	assert.True(t, merged.Verbose)
}

func TestMergeConfig_MapsMergeKeyByKey(t *testing.T) {
	base := Config{MemoryLimits: map[string]string{"1x": "4g", "2x": "8g"}}
	override := Config{MemoryLimits: map[string]string{"2x": "16g"}}
	merged := mergeConfig(base, override)
	assert.Equal(t, "4g", merged.MemoryLimits["1x"])
	assert.Equal(t, "16g", merged.MemoryLimits["2x"])
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".bitbucket-pipelines-local.yml"),
		[]byte("networkName: my-net\n"), 0o644))

	cfg, err := Load(dir, Config{})
	require.NoError(t, err)
	assert.Equal(t, "my-net", cfg.NetworkName)
	assert.Equal(t, Defaults().DefaultImage, cfg.DefaultImage)
}

func TestLoad_NoProjectFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), Config{})
	require.NoError(t, err)
	assert.Equal(t, Defaults().NetworkName, cfg.NetworkName)
}

func TestMergeEnv_SetsArtifactMirrorBucket(t *testing.T) {
	base := Defaults()
	merged := mergeEnv(base, []string{"BBPL_ARTIFACT_MIRROR_BUCKET=my-bucket"})
	assert.Equal(t, "my-bucket", merged.ArtifactMirror.Bucket)
}

func TestMergeConfig_ArtifactMirrorFieldsMergeIndividually(t *testing.T) {
	base := Config{ArtifactMirror: ArtifactMirrorConfig{Bucket: "base-bucket", Region: "us-east-1"}}
	override := Config{ArtifactMirror: ArtifactMirrorConfig{Prefix: "builds/"}}
	merged := mergeConfig(base, override)
	assert.Equal(t, "base-bucket", merged.ArtifactMirror.Bucket)
	assert.Equal(t, "us-east-1", merged.ArtifactMirror.Region)
	assert.Equal(t, "builds/", merged.ArtifactMirror.Prefix)
}

func TestLoad_OverridesWinOverEverything(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".bitbucket-pipelines-local.yml"),
		[]byte("networkName: from-file\n"), 0o644))

	cfg, err := Load(dir, Config{NetworkName: "from-override"})
	require.NoError(t, err)
	assert.Equal(t, "from-override", cfg.NetworkName)
}
