package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"leadflow/client"
	"leadflow/followup"
	"leadflow/sequence"
)

func newEnrollCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <lead-id> <sequence-id>",
		Short: "Put a lead at the first step of a sequence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseID("lead", args[0])
			if err != nil {
				return err
			}
			seqID, err := parseID("sequence", args[1])
			if err != nil {
				return err
			}
			s, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			enr, err := s.api.Enroll(cmd.Context(), leadID, seqID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enrolled lead %d as enrollment %d, %s\n", leadID, enr.ID, describeEnrollment(enr))
			return nil
		},
	}
}

type enrollmentFunc func(ctx context.Context, api *client.API, id uint) (sequence.Enrollment, error)

func advanceEnrollment(ctx context.Context, api *client.API, id uint) (sequence.Enrollment, error) {
	return api.Advance(ctx, id)
}

func cancelEnrollment(ctx context.Context, api *client.API, id uint) (sequence.Enrollment, error) {
	return api.Cancel(ctx, id)
}

func newEnrollmentCmd(app *cli, use, short string, fn enrollmentFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <enrollment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("enrollment", args[0])
			if err != nil {
				return err
			}
			s, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			enr, err := fn(cmd.Context(), s.api, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enrollment %d %s\n", id, describeEnrollment(enr))
			return nil
		},
	}
}

func describeEnrollment(enr sequence.Enrollment) string {
	if enr.Status != sequence.StatusActive {
		return string(enr.Status)
	}
	if enr.NextActionDate == nil {
		return fmt.Sprintf("at step %d", enr.CurrentStep)
	}
	return fmt.Sprintf("at step %d, next action %s", enr.CurrentStep, enr.NextActionDate.Local().Format("2006-01-02"))
}

func newDueSequencesCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "due-sequences",
		Short: "List sequence steps due today with their rendered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := app.session(cmd.Context())
			if err != nil {
				return err
			}
			due, err := s.api.DueEnrollments(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(due) == 0 {
				fmt.Fprintln(out, "No sequence steps due today.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENROLLMENT\tLEAD\tSTEP\tCHANNEL\tMESSAGE")
			for _, d := range due {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", d.Enrollment.ID, d.Enrollment.LeadID, d.Step.StepNumber, d.Channel, oneLine(d.Message))
			}
			return w.Flush()
		},
	}
}

func newRenderCmd(app *cli) *cobra.Command {
	var taskID uint
	var vars []string
	cmd := &cobra.Command{
		Use:   "render <template>",
		Short: "Fill {{placeholders}} in a message template",
		Long:  "Render a template against a task's lead (--task) or against --var name=value pairs.\nUnknown placeholders are left as written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tv := followup.TemplateVars{}
			if taskID != 0 {
				s, err := app.session(cmd.Context())
				if err != nil {
					return err
				}
				task, err := resolveTask(cmd.Context(), s, taskID)
				if err != nil {
					return err
				}
				tv = task.Lead.Vars()
			}
			for _, kv := range vars {
				name, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --var %q, want name=value", kv)
				}
				tv.Set(name, value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), followup.Render(args[0], tv))
			return nil
		},
	}
	cmd.Flags().UintVar(&taskID, "task", 0, "render against this task's lead")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "placeholder value as name=value (repeatable)")
	return cmd
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
