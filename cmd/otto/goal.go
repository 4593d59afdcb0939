package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"otto/internal/domain"
)

func newGoalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "create and activate goals",
	}
	cmd.AddCommand(
		newGoalCreateCmd(),
		newGoalActivateCmd(),
		newGoalListCmd(),
		newGoalShowCmd(),
	)
	return cmd
}

func newGoalCreateCmd() *cobra.Command {
	var criteria string
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "create a draft goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var goal domain.Goal
			err := newClient().post("/api/goals", map[string]any{
				"description":      strings.Join(args, " "),
				"success_criteria": criteria,
			}, &goal)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", green("created"), bold(goal.ID), gray("draft"))
			fmt.Println(gray("activate with: otto goal activate " + goal.ID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&criteria, "criteria", "c", "", "success criteria")
	return cmd
}

func newGoalActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "decompose a draft goal into tasks and start it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var goal domain.Goal
			if err := newClient().post("/api/goals/"+url.PathEscape(args[0])+"/activate", nil, &goal); err != nil {
				return err
			}
			fmt.Printf("%s %s: %d tasks\n", bold(goal.ID), statusColor(string(goal.Status)), len(goal.TaskIDs))
			return nil
		},
	}
}

func newGoalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Goals []*domain.Goal `json:"goals"`
			}
			if err := newClient().get("/api/goals", &resp); err != nil {
				return err
			}
			if len(resp.Goals) == 0 {
				fmt.Println(gray("no goals"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTASKS\tDESCRIPTION")
			for _, goal := range resp.Goals {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					goal.ID, statusColor(string(goal.Status)), len(goal.TaskIDs),
					truncate(goal.Description, 60))
			}
			return w.Flush()
		},
	}
}

func newGoalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "show a goal and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Goal  *domain.Goal   `json:"goal"`
				Tasks []*domain.Task `json:"tasks"`
			}
			if err := newClient().get("/api/goals/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", bold(resp.Goal.ID), statusColor(string(resp.Goal.Status)))
			fmt.Printf("  %s\n", resp.Goal.Description)
			if resp.Goal.SuccessCriteria != "" {
				fmt.Printf("  criteria: %s\n", resp.Goal.SuccessCriteria)
			}
			for _, task := range resp.Tasks {
				fmt.Printf("  - %s [%s] %s\n", task.ID, statusColor(string(task.Status)),
					truncate(task.Description, 60))
			}
			return nil
		},
	}
}
