// Package cmd provides CLI commands for the anima tool.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Version is reported by "anima --version". It is "dev" unless a build
// overrides it with -ldflags "-X".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "anima",
	Short:   "Anima - desktop-resident project supervisor",
	Version: Version,
	Long: `Anima supervises one or more software projects, waking a
Developer/Acceptor agent loop on a schedule to work through each
project's milestone queue against its own branch, and sleeping again
once there's nothing ready to do.

This CLI is a thin client: it talks to a running "anima daemon" over
its local control socket. Start the daemon first with "anima daemon
start".`,
	RunE: requireSubcommand,
}

// Command group IDs - used by subcommands to organize help output.
const (
	GroupControl  = "control"
	GroupServices = "services"
	GroupDiag     = "diag"
)

// Execute runs the root command and returns an exit code. The caller
// (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	cobra.EnablePrefixMatching = true

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupControl, Title: "Project Control:"},
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)
}

// buildCommandPath walks the command hierarchy to build the full command
// path, e.g. "anima daemon status".
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns a RunE function for parent commands that
// require a subcommand. Without this, Cobra silently shows help and
// exits 0 for unknown subcommands, masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
