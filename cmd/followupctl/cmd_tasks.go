package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"leadflow/followup"
)

func newTodayCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "List the tasks due today, most urgent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := s.engine.FetchToday(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !s.queue.Online() {
				fmt.Fprintln(out, "Service unreachable, showing the last cached list.")
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "Nothing due today.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tLEAD\tNAME\tSTEP\tCHANNEL\tURGENCY\tOVERDUE")
			for _, t := range tasks {
				name := strings.TrimSpace(t.Lead.FirstName + " " + t.Lead.LastName)
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d\n",
					t.StatusID, t.LeadID, name, t.CurrentStepCode, t.Channel(), t.Urgency, t.DaysOverdue)
			}
			return w.Flush()
		},
	}
}

func newCompleteCmd(app *cli) *cobra.Command {
	var outcome, message, template, notes string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Record a contact attempt and move the task along the cadence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("task", args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			task, err := resolveTask(ctx, s, id)
			if err != nil {
				return err
			}
			if template != "" {
				message = s.engine.GenerateMessage(template, task.Lead)
			}
			if err := s.engine.CompleteTask(ctx, task.LeadID, followup.Outcome(outcome), message, notes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Completed task %d as %s%s\n", id, outcome, queuedNote(s))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outcome, "outcome", "o", string(followup.OutcomeSent), "what happened: sent, no_answer, replied, interested, meeting_scheduled, not_interested")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message that was sent")
	cmd.Flags().StringVarP(&template, "template", "t", "", "render the sent message from a template with {{placeholders}}")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

type transitionFunc func(ctx context.Context, e *followup.Engine, leadID uint) error

func skipTask(ctx context.Context, e *followup.Engine, leadID uint) error {
	return e.SkipTask(ctx, leadID)
}

func markReplied(ctx context.Context, e *followup.Engine, leadID uint) error {
	return e.MarkReplied(ctx, leadID)
}

func markConverted(ctx context.Context, e *followup.Engine, leadID uint) error {
	return e.MarkConverted(ctx, leadID)
}

func markLost(ctx context.Context, e *followup.Engine, leadID uint) error {
	return e.MarkLost(ctx, leadID)
}

func resumeTask(ctx context.Context, e *followup.Engine, leadID uint) error {
	return e.ResumeLead(ctx, leadID)
}

func newTransitionCmd(app *cli, use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("task", args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			task, err := resolveTask(ctx, s, id)
			if err != nil {
				return err
			}
			if err := fn(ctx, s.engine, task.LeadID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: task %d%s\n", use, id, queuedNote(s))
			return nil
		},
	}
}

func newPauseCmd(app *cli) *cobra.Command {
	var until string
	var days int
	cmd := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Park a task until a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("task", args[0])
			if err != nil {
				return err
			}
			resumeAt := time.Now().AddDate(0, 0, days)
			if until != "" {
				resumeAt, err = time.ParseInLocation("2006-01-02", until, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --until %q, want YYYY-MM-DD", until)
				}
			}

			ctx := cmd.Context()
			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			task, err := resolveTask(ctx, s, id)
			if err != nil {
				return err
			}
			if err := s.engine.PauseLead(ctx, task.LeadID, resumeAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused task %d until %s%s\n", id, resumeAt.Format("2006-01-02"), queuedNote(s))
			return nil
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "resume date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 7, "pause for this many days when --until is not given")
	return cmd
}

func newStatsCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show follow-up counts and rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			st, err := s.engine.RefreshStats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Active\t%d\n", st.Active)
			fmt.Fprintf(w, "Overdue\t%d\n", st.Overdue)
			fmt.Fprintf(w, "Due today\t%d\n", st.Today)
			fmt.Fprintf(w, "Upcoming\t%d\n", st.Upcoming)
			fmt.Fprintf(w, "Contacts\t%d\n", st.TotalContacts)
			fmt.Fprintf(w, "Replies\t%d\n", st.TotalReplies)
			fmt.Fprintf(w, "Reply rate\t%.1f%%\n", st.ReplyRate)
			fmt.Fprintf(w, "Conversion rate\t%.1f%%\n", st.ConversionRate)
			fmt.Fprintf(w, "Touches to reply\t%.1f\n", st.AvgTouchesToReply)
			return w.Flush()
		},
	}
}

func newFlushCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay changes queued while offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := app.session(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !s.queue.Online() {
				n, err := s.queue.Len(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Service unreachable, %d changes stay queued\n", n)
				return nil
			}
			res, err := s.queue.Flush(ctx)
			if err != nil {
				return err
			}
			left, err := s.queue.Len(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Replayed %d, failed %d, %d left in queue\n", res.Replayed, res.Failed, left)
			return nil
		},
	}
}
