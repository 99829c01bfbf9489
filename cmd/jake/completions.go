package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
)

// installCompletions writes a bash completion script under the user's
// data directory and prints the one line they still need to source it
// from their shell rc — jake does not edit rc files itself.
func installCompletions(c *cobra.Command) error {
	dest, err := xdg.DataFile(filepath.Join("jake", "completions", "jake.bash"))
	if err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	defer f.Close()

	if err := c.Root().GenBashCompletionV2(f, true); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\nadd this to your shell rc: source %s\n", dest, dest)
	return nil
}

// uninstallCompletions removes a script written by installCompletions.
func uninstallCompletions(c *cobra.Command) error {
	dest, err := xdg.DataFile(filepath.Join("jake", "completions", "jake.bash"))
	if err != nil {
		return fmt.Errorf("cache-io: %w", err)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache-io: %w", err)
	}
	fmt.Fprintf(os.Stdout, "removed %s\n", dest)
	return nil
}
