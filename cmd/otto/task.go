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

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "create and inspect tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskRunCmd(),
		newTaskCancelCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		priority string
		tags     []string
		deps     []string
		goalID   string
	)
	cmd := &cobra.Command{
		Use:   "create <description>",
		Short: "create a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			err := newClient().post("/api/tasks", map[string]any{
				"description":  strings.Join(args, " "),
				"priority":     priority,
				"tags":         tags,
				"dependencies": deps,
				"goal_id":      goalID,
			}, &task)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", green("created"), bold(task.ID), gray(string(task.Priority)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "critical|high|medium|low")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "dependency task id (repeatable)")
	cmd.Flags().StringVar(&goalID, "goal", "", "owning goal id")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var resp struct {
				Tasks []*domain.Task `json:"tasks"`
			}
			if err := newClient().get(path, &resp); err != nil {
				return err
			}
			if len(resp.Tasks) == 0 {
				fmt.Println(gray("no tasks"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tORIGIN\tDESCRIPTION")
			for _, task := range resp.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					task.ID, statusColor(string(task.Status)), task.Priority, task.Origin,
					truncate(task.Description, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "show one task in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			if err := newClient().get("/api/tasks/"+url.PathEscape(args[0]), &task); err != nil {
				return err
			}
			printTask(&task)
			return nil
		},
	}
}

func newTaskRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "force a scheduling round for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			if err := newClient().post("/api/tasks/"+url.PathEscape(args[0])+"/run", nil, &task); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", bold(task.ID), statusColor(string(task.Status)))
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task domain.Task
			if err := newClient().post("/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &task); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", bold(task.ID), statusColor(string(task.Status)))
			return nil
		},
	}
}

func printTask(task *domain.Task) {
	fmt.Printf("%s  %s\n", bold(task.ID), statusColor(string(task.Status)))
	fmt.Printf("  %s\n", task.Description)
	fmt.Printf("  priority: %s  origin: %s", task.Priority, task.Origin)
	if task.GoalID != "" {
		fmt.Printf("  goal: %s", task.GoalID)
	}
	fmt.Println()
	if len(task.Tags) > 0 {
		fmt.Printf("  tags: %s\n", strings.Join(task.Tags, ", "))
	}
	if len(task.Dependencies) > 0 {
		fmt.Printf("  depends on: %s\n", strings.Join(task.Dependencies, ", "))
	}
	for _, attempt := range task.Attempts {
		mark := green("ok")
		if !attempt.Success {
			mark = red("fail")
		}
		fmt.Printf("  attempt %d [%s] %s %dms", attempt.Attempt, mark, attempt.WorkerID, attempt.ElapsedMS)
		if attempt.Error != "" {
			fmt.Printf("  %s", gray(truncate(attempt.Error, 80)))
		}
		fmt.Println()
	}
	if task.Result != "" {
		fmt.Printf("  result: %s\n", truncate(task.Result, 200))
	}
	if task.Error != "" {
		fmt.Printf("  error: %s\n", red(task.Error))
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
