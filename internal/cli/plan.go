package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/records"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage plans and their steps",
}

var planCreateCmd = &cobra.Command{
	Use:   "create [goal]",
	Short: "Create a plan from a goal and a list of steps",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.Join(args, " ")
		sessionID, _ := cmd.Flags().GetString("session")
		stepFlags, _ := cmd.Flags().GetStringArray("step")
		approvals, _ := cmd.Flags().GetIntSlice("require-approval")
		if len(stepFlags) == 0 {
			return fmt.Errorf("at least one --step is required")
		}

		specs := make([]plan.StepSpec, 0, len(stepFlags))
		for i, raw := range stepFlags {
			agent, desc, ok := strings.Cut(raw, ":")
			if !ok || strings.TrimSpace(agent) == "" || strings.TrimSpace(desc) == "" {
				return fmt.Errorf("step %d: want agent:description, got %q", i, raw)
			}
			specs = append(specs, plan.StepSpec{
				Agent:       strings.TrimSpace(agent),
				Description: strings.TrimSpace(desc),
			})
		}
		for _, ord := range approvals {
			if ord < 0 || ord >= len(specs) {
				return fmt.Errorf("require-approval ordinal %d out of range", ord)
			}
			specs[ord].RequiresApproval = true
		}

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		p, err := app.Orch.CreatePlan(context.Background(), sessionID, goal, nil, specs)
		if err != nil {
			return fmt.Errorf("create plan: %w", err)
		}

		fmt.Printf("Created plan %s (%d steps)\n", p.ID, len(p.StepIDs))
		fmt.Printf("  Goal: %s\n", p.Goal)
		fmt.Printf("  Session: %s\n", sessionID)
		fmt.Println()
		fmt.Printf("Run `loom plan advance %s -s %s` to start.\n", p.ID, sessionID)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans in a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		recs, err := mctx.Query(ctx, records.KindPlan, docstore.Query{})
		if err != nil {
			return fmt.Errorf("list plans: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println("No plans found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tCREATED\tGOAL")
		for _, rec := range recs {
			p := rec.(*records.Plan)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				p.ID, planStatusColor(p.Status), len(p.StepIDs), formatTime(p.CreatedAt), p.Goal)
		}
		return w.Flush()
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show [plan-id]",
	Short: "Show a plan and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		machine := plan.NewMachine(mctx.Store(), app.Bus)
		p, steps, err := machine.LoadPlan(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}

		fmt.Printf("Plan %s\n", p.ID)
		fmt.Printf("  Goal:    %s\n", p.Goal)
		fmt.Printf("  Status:  %s\n", planStatusColor(p.Status))
		fmt.Printf("  Created: %s\n", formatTime(p.CreatedAt))
		for _, cl := range p.Clarifications {
			fmt.Printf("  Clarified (%s): %s\n", formatTime(cl.CreatedAt), cl.Text)
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTATUS\tAGENT\tDESCRIPTION\tRESULT")
		for _, s := range steps {
			result := "-"
			if s.Result != nil && s.Result.Summary != "" {
				result = s.Result.Summary
			}
			mark := ""
			if s.RequiresApproval {
				mark = " [approval]"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s%s\t%s\n",
				s.Ordinal, stepStatusColor(s.Status), s.Agent, s.Description, mark, result)
		}
		return w.Flush()
	},
}

var planAdvanceCmd = &cobra.Command{
	Use:   "advance [plan-id]",
	Short: "Execute the next planned step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Orch.Advance(context.Background(), sessionID, args[0])
		if err != nil {
			return fmt.Errorf("advance plan: %w", err)
		}
		if res.Step == nil {
			fmt.Printf("No steps remaining. Plan is %s.\n", planStatusColor(res.Plan.Status))
			return nil
		}
		if res.AwaitingHuman {
			fmt.Printf("Step %d (%s) is waiting for approval.\n", res.Step.Ordinal, res.Step.Description)
			fmt.Printf("Run `loom plan approve %s %s -s %s` or `loom plan reject ...`.\n",
				args[0], res.Step.ID, sessionID)
			return nil
		}
		fmt.Printf("Step %d finished as %s.\n", res.Step.Ordinal, stepStatusColor(res.Step.Status))
		if res.Step.Result != nil && res.Step.Result.Summary != "" {
			fmt.Printf("  %s\n", res.Step.Result.Summary)
		}
		return nil
	},
}

var planApproveCmd = &cobra.Command{
	Use:   "approve [plan-id] [step-id]",
	Short: "Approve a step that is waiting on a human",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return applyFeedback(cmd, args, true) },
}

var planRejectCmd = &cobra.Command{
	Use:   "reject [plan-id] [step-id]",
	Short: "Reject a step that is waiting on a human",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return applyFeedback(cmd, args, false) },
}

func applyFeedback(cmd *cobra.Command, args []string, approved bool) error {
	sessionID, _ := cmd.Flags().GetString("session")
	note, _ := cmd.Flags().GetString("note")

	app, err := OpenApp()
	if err != nil {
		return err
	}
	defer app.Close()

	step, err := app.Orch.ApplyHumanFeedback(context.Background(), orchestrator.Feedback{
		SessionID: sessionID,
		PlanID:    args[0],
		StepID:    args[1],
		Approved:  approved,
		Note:      note,
	})
	if err != nil {
		return fmt.Errorf("apply feedback: %w", err)
	}
	fmt.Printf("Step %d is now %s.\n", step.Ordinal, stepStatusColor(step.Status))
	return nil
}

var planClarifyCmd = &cobra.Command{
	Use:   "clarify [plan-id] [text]",
	Short: "Attach a clarification to an active plan",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		text := strings.Join(args[1:], " ")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if _, err := app.Orch.ApplyClarification(context.Background(), sessionID, args[0], text); err != nil {
			return fmt.Errorf("clarify plan: %w", err)
		}
		fmt.Println("Clarification recorded.")
		return nil
	},
}

var planCancelCmd = &cobra.Command{
	Use:   "cancel [plan-id]",
	Short: "Cancel an active plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		note, _ := cmd.Flags().GetString("note")

		app, err := OpenApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := context.Background()
		mctx, err := app.Contexts.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer mctx.Release()

		machine := plan.NewMachine(mctx.Store(), app.Bus)
		p, _, err := machine.LoadPlan(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if err := machine.CancelPlan(ctx, p, note); err != nil {
			return fmt.Errorf("cancel plan: %w", err)
		}
		fmt.Printf("Plan %s cancelled.\n", p.ID)
		return nil
	},
}

func stepStatusColor(s records.StepStatus) string {
	switch s {
	case records.StepCompleted:
		return color.New(color.FgGreen).Sprint(string(s))
	case records.StepFailed:
		return color.New(color.FgRed).Sprint(string(s))
	case records.StepInProgress:
		return color.New(color.FgCyan).Sprint(string(s))
	case records.StepAwaitingHuman:
		return color.New(color.FgYellow).Sprint(string(s))
	case records.StepSkipped:
		return color.New(color.FgHiBlack).Sprint(string(s))
	default:
		return string(s)
	}
}

func planStatusColor(s records.PlanStatus) string {
	switch s {
	case records.PlanCompleted:
		return color.New(color.FgGreen).Sprint(string(s))
	case records.PlanFailed:
		return color.New(color.FgRed).Sprint(string(s))
	case records.PlanCancelled:
		return color.New(color.FgHiBlack).Sprint(string(s))
	default:
		return color.New(color.FgCyan).Sprint(string(s))
	}
}

func init() {
	planCmd.PersistentFlags().StringP("session", "s", "default", "Session ID")

	planCreateCmd.Flags().StringArray("step", nil, "Step as agent:description (repeatable, ordered)")
	planCreateCmd.Flags().IntSlice("require-approval", nil, "Step ordinals that need human approval")

	planApproveCmd.Flags().StringP("note", "n", "", "Note recorded with the decision")
	planRejectCmd.Flags().StringP("note", "n", "", "Note recorded with the decision")
	planCancelCmd.Flags().StringP("note", "n", "", "Reason for cancelling")

	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planListCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planAdvanceCmd)
	planCmd.AddCommand(planApproveCmd)
	planCmd.AddCommand(planRejectCmd)
	planCmd.AddCommand(planClarifyCmd)
	planCmd.AddCommand(planCancelCmd)
}

// PlanCmd returns the plan command
func PlanCmd() *cobra.Command {
	return planCmd
}
