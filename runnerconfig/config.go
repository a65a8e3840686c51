// Package runnerconfig loads the layered runner configuration document of
// spec.md §6: built-in defaults, the global and project YAML files, the
// BBPL_* process environment, then caller overrides, each merging
// right-biased over the last (mergeConfig below mirrors the teacher's
// config-merge idiom: mapping values merge recursively, non-mapping
// values replace).
package runnerconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bbpl/local-runner/bbplerr"
)

// Config is the resolved runner configuration.
type Config struct {
	DockerSocket string            `yaml:"dockerSocket"`
	DefaultImage string            `yaml:"defaultImage"`
	NetworkName  string            `yaml:"networkName"`
	CacheDir     string            `yaml:"cacheDir"`
	ArtifactDir  string            `yaml:"artifactDir"`
	LogLevel     string            `yaml:"logLevel"`
	Verbose      bool              `yaml:"verbose"`
	MemoryLimits map[string]string `yaml:"memoryLimits"` // size -> memory string
	CPULimits    map[string]string `yaml:"cpuLimits"`    // size -> cpu string
	EnvDefaults  map[string]string `yaml:"envDefaults"`

	// ArtifactMirror optionally mirrors saved artifacts to S3 alongside the
	// local artifact store (spec.md §4.6's optional remote mirror).
	ArtifactMirror ArtifactMirrorConfig `yaml:"artifactMirror"`
}

// ArtifactMirrorConfig configures the optional S3 artifact mirror. The
// mirror is enabled when Bucket is non-empty.
type ArtifactMirrorConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Defaults returns the built-in base configuration.
func Defaults() Config {
	return Config{
		DockerSocket: "/var/run/docker.sock",
		DefaultImage: "atlassian/default-image:latest",
		NetworkName:  "bbpl-local",
		LogLevel:     "info",
		MemoryLimits: map[string]string{
			"1x": "4g", "2x": "8g", "4x": "16g", "8x": "32g", "16x": "64g",
		},
		CPULimits: map[string]string{
			"1x": "2", "2x": "4", "4x": "8", "8x": "16", "16x": "32",
		},
		EnvDefaults: map[string]string{},
	}
}

// Load resolves the full layered configuration: defaults -> global file ->
// project file -> BBPL_* env vars -> overrides.
func Load(projectDir string, overrides Config) (Config, error) {
	cfg := Defaults()

	home, err := os.UserHomeDir()
	if err == nil {
		cfg, err = mergeFile(cfg, filepath.Join(home, ".bitbucket-pipelines-local", "config.yml"))
		if err != nil {
			return Config{}, err
		}
	}

	cfg, err = mergeFile(cfg, filepath.Join(projectDir, ".bitbucket-pipelines-local.yml"))
	if err != nil {
		return Config{}, err
	}

	cfg = mergeEnv(cfg, os.Environ())
	cfg = mergeConfig(cfg, overrides)
	return cfg, nil
}

func mergeFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return Config{}, bbplerr.New(bbplerr.FilesystemError, "runnerconfig: load", err)
	}
	var layer Config
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return Config{}, bbplerr.New(bbplerr.ParseError, "runnerconfig: parse", err)
	}
	return mergeConfig(base, layer), nil
}

// mergeEnv applies the BBPL_* process environment variables named in
// spec.md §6: BBPL_LOG_LEVEL, BBPL_DOCKER_IMAGE, BBPL_VERBOSE, plus
// BBPL_ARTIFACT_MIRROR_BUCKET for the optional artifact mirror.
func mergeEnv(base Config, environ []string) Config {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "BBPL_LOG_LEVEL":
			base.LogLevel = v
		case "BBPL_DOCKER_IMAGE":
			base.DefaultImage = v
		case "BBPL_VERBOSE":
			if b, err := strconv.ParseBool(v); err == nil {
				base.Verbose = b
			}
		case "BBPL_ARTIFACT_MIRROR_BUCKET":
			base.ArtifactMirror.Bucket = v
		}
	}
	return base
}

// mergeConfig merges override on top of base, right-biased: a non-mapping
// field wins if set, maps merge key-by-key.
func mergeConfig(base, override Config) Config {
	result := base
	if override.DockerSocket != "" {
		result.DockerSocket = override.DockerSocket
	}
	if override.DefaultImage != "" {
		result.DefaultImage = override.DefaultImage
	}
	if override.NetworkName != "" {
		result.NetworkName = override.NetworkName
	}
	if override.CacheDir != "" {
		result.CacheDir = override.CacheDir
	}
	if override.ArtifactDir != "" {
		result.ArtifactDir = override.ArtifactDir
	}
	if override.LogLevel != "" {
		result.LogLevel = override.LogLevel
	}
	if override.Verbose {
		result.Verbose = true
	}
	result.MemoryLimits = mergeStringMap(base.MemoryLimits, override.MemoryLimits)
	result.CPULimits = mergeStringMap(base.CPULimits, override.CPULimits)
	result.EnvDefaults = mergeStringMap(base.EnvDefaults, override.EnvDefaults)
	if override.ArtifactMirror.Bucket != "" {
		result.ArtifactMirror.Bucket = override.ArtifactMirror.Bucket
	}
	if override.ArtifactMirror.Prefix != "" {
		result.ArtifactMirror.Prefix = override.ArtifactMirror.Prefix
	}
	if override.ArtifactMirror.Region != "" {
		result.ArtifactMirror.Region = override.ArtifactMirror.Region
	}
	return result
}

func mergeStringMap(base, override map[string]string) map[string]string {
	if base == nil && override == nil {
		return nil
	}
	result := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}
