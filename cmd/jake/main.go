// Command jake is the CLI entry point: it parses the recipe/argument/flag
// surface and drives internal/engine — optionally through
// internal/watcher for --watch — to load, resolve, and run a Jakefile.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jakeflow/jake/internal/build"
	"github.com/jakeflow/jake/internal/config"
	"github.com/jakeflow/jake/internal/engine"
	"github.com/jakeflow/jake/internal/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is split out from main so the exit-code mapping can be exercised
// directly without process teardown getting in the way.
func run(args []string) int {
	const noWatchOverride = "\x00default"

	var (
		jakefilePath string
		dryRun       bool
		verbose      bool
		assumeYes    bool
		listRecipes  bool
		watchPattern string
		jobs         int
		summary      bool
		short        bool
		noColor      bool
		completions  string
		install      bool
		uninstall    bool
		showVersion  bool
	)

	cmd := &cobra.Command{
		Use:                   "jake [flags] RECIPE [ARG...]",
		Short:                 "A command runner that reads Jakefiles.",
		Long:                  "jake [-f Jakefile] RECIPE [ARG...|name=value...]",
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		RunE: func(c *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(c.OutOrStdout(), "%s %s\n", build.AppName, build.Version)
				return nil
			}
			if completions != "" {
				return genCompletions(c, completions)
			}
			if install {
				return installCompletions(c)
			}
			if uninstall {
				return uninstallCompletions(c)
			}

			watch := c.Flags().Changed("watch")
			if watchPattern == noWatchOverride {
				watchPattern = ""
			}

			jobsGiven := c.Flags().Changed("jobs")
			cfg, err := config.Resolve(config.Options{
				JakefilePath: jakefilePath,
				Parallel:     jobsGiven,
				Jobs:         jobs,
				DryRun:       dryRun,
				Verbose:      verbose,
				AssumeYes:    assumeYes,
				Watch:        watch,
				WatchPattern: watchPattern,
				NoColor:      noColor || os.Getenv("NO_COLOR") != "",
			})
			if err != nil {
				return err
			}

			recipeName, recipeArgs := splitRecipeArgs(args)

			invocationID := uuid.NewString()
			logPath, err := prepareLogFile(cfg.StateDir, recipeName, invocationID)
			if err != nil {
				return err
			}

			log := logger.NewLogger(loggerOpts(verbose, short, logPath)...)
			eng := engine.New(cfg, log, invocationID)

			if listRecipes {
				return listRecipesCmd(c, eng)
			}

			opts := engine.Options{Recipe: recipeName, Args: recipeArgs, Summary: summary, Short: short}

			ctx, cancel := signalContext()
			defer cancel()

			if watch {
				return runWatch(ctx, eng, watchPattern, opts, log)
			}
			return runOnce(ctx, eng, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&showVersion, "version", "V", false, "print the version and exit")
	flags.BoolVarP(&listRecipes, "list", "l", false, "list recipes and exit")
	flags.BoolVarP(&dryRun, "dry-run", "n", false, "print what would run without running it")
	flags.BoolVarP(&verbose, "verbose", "v", false, "echo every command, including @-quieted ones")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "answer every @confirm prompt with yes")
	flags.StringVarP(&jakefilePath, "jakefile", "f", "", "path to the Jakefile (default ./Jakefile)")
	flags.StringVarP(&watchPattern, "watch", "w", noWatchOverride, "re-run on file changes; optional glob overriding a recipe's own @watch patterns")
	flags.Lookup("watch").NoOptDefVal = noWatchOverride
	flags.IntVarP(&jobs, "jobs", "j", 0, "number of recipes to run in parallel (default: CPU count)")
	flags.Lookup("jobs").NoOptDefVal = "0"
	flags.BoolVar(&summary, "summary", false, "print a per-node timing summary at the end")
	flags.BoolVar(&short, "short", false, "suppress log output on the terminal; the log file, command echoing and recipe output are kept")
	flags.StringVar(&completions, "completions", "", "print a shell completion script (bash|zsh|fish|powershell)")
	flags.BoolVar(&install, "install", false, "install the bash completion script under the user data directory")
	flags.BoolVar(&uninstall, "uninstall", false, "remove a previously installed completion script")
	flags.BoolVar(&noColor, "no-color", false, "disable ANSI styling regardless of terminal support")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(engine.ExitCodeFor(err))
	}
	return 0
}

// splitRecipeArgs separates the leading recipe name from its trailing
// positional/name=value arguments.
func splitRecipeArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	return args[0], args[1:]
}

func loggerOpts(verbose, short bool, logPath string) []logger.Option {
	var opts []logger.Option
	if verbose {
		opts = append(opts, logger.WithDebug())
	}
	if short {
		opts = append(opts, logger.WithQuiet())
	}
	if logPath != "" {
		opts = append(opts, logger.WithLogFile(logPath))
	}
	return opts
}

// prepareLogFile builds the request-scoped log file path for one
// invocation under stateDir/logs and ensures the directory exists,
// mirroring dagu's per-run log file under its configured log directory.
func prepareLogFile(stateDir, recipeName, invocationID string) (string, error) {
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("cache-io: %w", err)
	}
	name := recipeName
	if name == "" {
		name = "default"
	}
	filename := logger.BuildLogFilename("jake.", name, invocationID, time.Now())
	return filepath.Join(logDir, filename), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runOnce(ctx context.Context, eng *engine.Engine, opts engine.Options) error {
	res, err := eng.Run(ctx, opts)
	if err != nil {
		return err
	}
	printSummary(res, opts)
	return res.Err
}

func printSummary(res *engine.Result, opts engine.Options) {
	if !opts.Summary || res == nil {
		return
	}
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("%-24s %-9s %s", o.Name, o.State, o.Duration)
		if o.Err != nil {
			line += fmt.Sprintf("  (%s)", o.Err)
		}
		fmt.Println(line)
	}
}

func listRecipesCmd(c *cobra.Command, eng *engine.Engine) error {
	jf, err := eng.LoadModel()
	if err != nil {
		return err
	}
	w := c.OutOrStdout()
	for _, name := range jf.RecipeOrder {
		r := jf.Recipes[name]
		if r.Attributes.Desc == "" {
			fmt.Fprintln(w, name)
			continue
		}
		fmt.Fprintf(w, "%-28s %s\n", name, r.Attributes.Desc)
	}
	return nil
}

func genCompletions(c *cobra.Command, shell string) error {
	root := c.Root()
	switch strings.ToLower(shell) {
	case "bash":
		return root.GenBashCompletionV2(os.Stdout, true)
	case "zsh":
		return root.GenZshCompletion(os.Stdout)
	case "fish":
		return root.GenFishCompletion(os.Stdout, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(os.Stdout)
	default:
		return fmt.Errorf("parse: unsupported shell %q", shell)
	}
}
