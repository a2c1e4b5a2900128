package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saltbo/anima/internal/eventbus"
)

var eventsAll bool

var eventsCmd = &cobra.Command{
	Use:     "events [project-id]",
	GroupID: GroupControl,
	Short:   "Stream events as they happen (Ctrl-C to stop)",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runEvents,
}

func init() {
	eventsCmd.Flags().BoolVar(&eventsAll, "all", false, "stream events for every registered project")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	if !eventsAll && len(args) == 0 {
		return fmt.Errorf("requires a project-id, or --all")
	}

	c, err := defaultClient()
	if err != nil {
		return err
	}

	path := "/events"
	if len(args) == 1 {
		path = "/projects/" + args[0] + "/events"
	}

	return c.streamEvents(cmd.Context(), path, func(ev eventbus.Event) {
		printEvent(ev)
	})
}

func printEvent(ev eventbus.Event) {
	fmt.Printf("%s  %-9s  %s  %v\n",
		ev.Timestamp.Format("15:04:05"), ev.Kind, ev.ProjectID, ev.Payload)
}
