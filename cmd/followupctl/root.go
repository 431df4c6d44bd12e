package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newRootCmd(open openFunc) *cobra.Command {
	app := &cli{open: open}
	cmd := &cobra.Command{
		Use:           "followupctl",
		Short:         "Work today's follow-up tasks",
		Long:          "followupctl lists the follow-ups due today and records what happened.\nChanges made while the service is unreachable are queued and replayed on the next run that reaches it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return app.shutdown()
		},
	}

	cmd.AddCommand(
		newTodayCmd(app),
		newCompleteCmd(app),
		newTransitionCmd(app, "skip", "Push a task to tomorrow", skipTask),
		newTransitionCmd(app, "replied", "Close a task because the lead replied", markReplied),
		newTransitionCmd(app, "converted", "Close a task as converted", markConverted),
		newTransitionCmd(app, "lost", "Close a task as lost", markLost),
		newPauseCmd(app),
		newTransitionCmd(app, "resume", "Reactivate a paused task for tomorrow", resumeTask),
		newStatsCmd(app),
		newFlushCmd(app),
		newEnrollCmd(app),
		newEnrollmentCmd(app, "advance", "Move an enrollment to its next step", advanceEnrollment),
		newEnrollmentCmd(app, "cancel", "Stop an enrollment", cancelEnrollment),
		newDueSequencesCmd(app),
		newRenderCmd(app),
	)
	return cmd
}

func parseID(kind, arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, arg)
	}
	return uint(id), nil
}

// queuedNote marks output for changes that only exist locally so far.
func queuedNote(s *session) string {
	if s.queue.Online() {
		return ""
	}
	return " (offline, queued)"
}
