package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersExplicitFlagOverEnv(t *testing.T) {
	dir := t.TempDir()
	flagPath := filepath.Join(dir, "Jakefile")
	envPath := filepath.Join(dir, "Other.jake")
	require.NoError(t, os.WriteFile(flagPath, []byte(""), 0o644))
	require.NoError(t, os.WriteFile(envPath, []byte(""), 0o644))

	t.Setenv(EnvJakeFile, envPath)

	cfg, err := Resolve(Options{JakefilePath: flagPath})
	require.NoError(t, err)
	assert.Equal(t, flagPath, cfg.JakefilePath)
}

func TestResolveFallsBackToEnvWithoutFlag(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "Other.jake")
	require.NoError(t, os.WriteFile(envPath, []byte(""), 0o644))
	t.Setenv(EnvJakeFile, envPath)

	cfg, err := Resolve(Options{})
	require.NoError(t, err)
	assert.Equal(t, envPath, cfg.JakefilePath)
}

func TestResolveMissingJakefile(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(Options{JakefilePath: filepath.Join(dir, "Jakefile")})
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestResolveStateDirIsSiblingOfJakefile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Jakefile")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	cfg, err := Resolve(Options{JakefilePath: path})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, StateDirName), cfg.StateDir)
}

func TestLoadEnvironmentMergesDotenvOverridingBase(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("FOO=from-dotenv\n"), 0o644))

	env, err := LoadEnvironment([]string{dotenv}, nil, map[string]string{"FOO": "from-base", "BAR": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", env["FOO"])
	assert.Equal(t, "kept", env["BAR"])
}

func TestLoadEnvironmentMissingRequired(t *testing.T) {
	_, err := LoadEnvironment(nil, []string{"MUST_BE_SET"}, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-env")
}
