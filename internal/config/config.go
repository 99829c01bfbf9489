// Package config resolves the run-wide configuration: which Jakefile to
// load, where its `.jake/` state directory lives, and the dotenv-derived
// environment snapshot, loaded once at invocation start per the
// "global state is loaded once" design note.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvJakeFile names the environment variable holding the default
	// Jakefile path when -f/--jakefile is not given.
	EnvJakeFile = "JAKE_FILE"

	// DefaultFilename is tried in the working directory when neither
	// -f nor JAKE_FILE is set.
	DefaultFilename = "Jakefile"

	// StateDirName is the project-local directory holding the cache
	// file and the run lock.
	StateDirName = ".jake"
)

// Config is the resolved set of inputs the rest of the engine needs.
type Config struct {
	JakefilePath string
	StateDir     string
	Parallel     bool
	Jobs         int
	DryRun       bool
	Verbose      bool
	AssumeYes    bool
	Watch        bool
	WatchPattern string
	NoColor      bool

	Env map[string]string
}

// Options mirrors the CLI flags that influence resolution; the CLI
// layer (cmd/) is the only caller that constructs one of these.
type Options struct {
	JakefilePath string
	Parallel     bool
	Jobs         int
	DryRun       bool
	Verbose      bool
	AssumeYes    bool
	Watch        bool
	WatchPattern string
	NoColor      bool
}

// Resolve determines the effective Jakefile path and environment for one
// invocation, applying the precedence -f flag > JAKE_FILE env > ./Jakefile.
// The precedence chain is expressed as a viper instance the same way
// dagu's cmd package layers a bound flag over a bound environment
// variable: an explicit -f value is Set() directly (outranking
// everything), otherwise viper falls through to the bound JAKE_FILE
// env var, otherwise the key comes back empty and DefaultFilename wins.
func Resolve(opts Options) (*Config, error) {
	v := viper.New()
	if err := v.BindEnv("jakefile", EnvJakeFile); err != nil {
		return nil, fmt.Errorf("cache-io: binding %s: %w", EnvJakeFile, err)
	}
	if opts.JakefilePath != "" {
		v.Set("jakefile", opts.JakefilePath)
	}
	path := v.GetString("jakefile")
	if path == "" {
		path = DefaultFilename
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, &NotFoundError{Path: abs}
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = 0 // 0 signals "default to CPU count" to the scheduler
	}

	return &Config{
		JakefilePath: abs,
		StateDir:     filepath.Join(filepath.Dir(abs), StateDirName),
		Parallel:     opts.Parallel,
		Jobs:         jobs,
		DryRun:       opts.DryRun,
		Verbose:      opts.Verbose,
		AssumeYes:    opts.AssumeYes,
		Watch:        opts.Watch,
		WatchPattern: opts.WatchPattern,
		NoColor:      opts.NoColor,
		Env:          processEnviron(),
	}, nil
}

// NotFoundError reports that the resolved Jakefile path does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("jakefile-not-found: %s", e.Path)
}

// LoadEnvironment builds the immutable environment snapshot for a run:
// the process environment overlaid with every declared dotenv file (in
// declaration order, later files win), then required-env validation.
func LoadEnvironment(dotenvPaths []string, requiredVars []string, baseEnv map[string]string) (map[string]string, error) {
	env := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		env[k] = v
	}

	for _, path := range dotenvPaths {
		loaded, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("cache-io: reading dotenv %s: %w", path, err)
		}
		for k, v := range loaded {
			env[k] = v
		}
	}

	var missing []string
	for _, name := range requiredVars {
		if v, ok := env[name]; !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing-env: %v", missing)
	}
	return env, nil
}

func processEnviron() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
