package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/saltbo/anima/internal/ids"
)

var registerName string

var registerCmd = &cobra.Command{
	Use:     "register <path>",
	GroupID: GroupControl,
	Short:   "Register a project directory with the daemon",
	Args:    cobra.ExactArgs(1),
	RunE:    runRegister,
}

var removeCmd = &cobra.Command{
	Use:     "remove <project-id>",
	GroupID: GroupControl,
	Short:   "Stop supervising a project (files on disk are left untouched)",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: GroupControl,
	Short:   "List registered projects",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "display name (defaults to the directory name)")
	rootCmd.AddCommand(registerCmd, removeCmd, listCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[0], err)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	name := registerName
	if name == "" {
		name = filepath.Base(path)
	}

	c, err := defaultClient()
	if err != nil {
		return err
	}
	id, err := c.register(cmd.Context(), path, name)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s as project %s\n", path, id)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	c, err := defaultClient()
	if err != nil {
		return err
	}
	if err := c.remove(cmd.Context(), ids.ProjectID(args[0])); err != nil {
		return err
	}
	fmt.Printf("removed project %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := defaultClient()
	if err != nil {
		return err
	}
	projects, err := c.list(cmd.Context())
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("no projects registered")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%s  %-20s %s\n", p.ID, p.DisplayName, p.Path)
	}
	return nil
}
