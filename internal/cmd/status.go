package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saltbo/anima/internal/ids"
)

var statusCmd = &cobra.Command{
	Use:     "status <project-id>",
	GroupID: GroupControl,
	Short:   "Show a project's current state, config, and milestone",
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := defaultClient()
	if err != nil {
		return err
	}
	snap, err := c.snapshot(cmd.Context(), ids.ProjectID(args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("project:    %s (%s)\n", snap.Registration.DisplayName, snap.Registration.ID)
	fmt.Printf("path:       %s\n", snap.Registration.Path)
	fmt.Printf("status:     %s\n", snap.State.Status)
	if snap.State.LastActiveAt != nil {
		fmt.Printf("last active: %s\n", snap.State.LastActiveAt.Format("2006-01-02 15:04:05"))
	}
	if snap.Milestone != nil {
		fmt.Println()
		fmt.Printf("milestone:  %s\n", snap.Milestone.Title)
		fmt.Printf("  id:       %s\n", snap.Milestone.ID)
		fmt.Printf("  status:   %s\n", snap.Milestone.Status)
		if snap.Milestone.ConsecutiveRejections > 0 {
			fmt.Printf("  rejections: %d\n", snap.Milestone.ConsecutiveRejections)
		}
	} else {
		fmt.Println()
		fmt.Println("no current milestone")
	}
	return nil
}
