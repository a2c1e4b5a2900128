package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saltbo/anima/internal/ids"
)

func simpleSignalCommand(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		GroupID: GroupControl,
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := defaultClient()
			if err != nil {
				return err
			}
			id := ids.ProjectID(args[0])
			if err := c.signal(cmd.Context(), id, verb); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", verb, id)
			return nil
		},
	}
}

var (
	wakeCmd    = simpleSignalCommand("wake <project-id>", "Wake a project immediately, bypassing its schedule", "wake")
	pauseCmd   = simpleSignalCommand("pause <project-id>", "Pause a project's scheduler", "pause")
	resumeCmd  = simpleSignalCommand("resume <project-id>", "Resume a paused project", "resume")
	cancelCmd  = simpleSignalCommand("cancel <project-id>", "Cancel the project's current milestone", "cancel")
	approveCmd = simpleSignalCommand("approve <project-id>", "Approve a milestone awaiting human review", "approve")
)

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:     "reject <project-id>",
	GroupID: GroupControl,
	Short:   "Reject a milestone awaiting human review",
	Args:    cobra.ExactArgs(1),
	RunE:    runReject,
}

var guidanceCmd = &cobra.Command{
	Use:     "guidance <project-id> <text>",
	GroupID: GroupControl,
	Short:   "Send free-form human guidance into a project's next round",
	Args:    cobra.ExactArgs(2),
	RunE:    runGuidance,
}

func init() {
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "reason shown to the agent on its next round")
	rootCmd.AddCommand(wakeCmd, pauseCmd, resumeCmd, cancelCmd, approveCmd, rejectCmd, guidanceCmd)
}

func runReject(cmd *cobra.Command, args []string) error {
	c, err := defaultClient()
	if err != nil {
		return err
	}
	id := ids.ProjectID(args[0])
	if err := c.reject(cmd.Context(), id, rejectReason); err != nil {
		return err
	}
	fmt.Printf("reject: %s\n", id)
	return nil
}

func runGuidance(cmd *cobra.Command, args []string) error {
	c, err := defaultClient()
	if err != nil {
		return err
	}
	id := ids.ProjectID(args[0])
	if err := c.guidance(cmd.Context(), id, args[1]); err != nil {
		return err
	}
	fmt.Printf("guidance sent: %s\n", id)
	return nil
}
