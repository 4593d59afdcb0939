package main

import (
	"fmt"
	"net/url"
	"os"
	"os/user"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"otto/internal/domain"
)

func newApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approval",
		Aliases: []string{"approvals"},
		Short:   "review and decide pending approvals",
	}
	cmd.AddCommand(newApprovalListCmd(), newApprovalDecideCmd())
	return cmd
}

func fetchApprovals(pendingOnly bool) ([]*domain.Approval, error) {
	path := "/api/approvals"
	if pendingOnly {
		path += "?pending=true"
	}
	var resp struct {
		Approvals []*domain.Approval `json:"approvals"`
	}
	if err := newClient().get(path, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

func newApprovalListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list approvals (pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals, err := fetchApprovals(!all)
			if err != nil {
				return err
			}
			if len(approvals) == 0 {
				fmt.Println(gray("no approvals"))
				return nil
			}
			for _, a := range approvals {
				state := yellow("pending")
				if a.Decided() {
					state = statusDecision(a.Decision) + gray(" by "+a.DecidedBy)
				}
				fmt.Printf("%s  %s/%s  %s\n", bold(a.ID), a.Type, a.Level, state)
				fmt.Printf("  %s\n", a.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include decided approvals")
	return cmd
}

// newApprovalDecideCmd decides one approval. With no id it offers an
// interactive picker over the pending queue.
func newApprovalDecideCmd() *cobra.Command {
	var (
		approve bool
		reject  bool
	)
	cmd := &cobra.Command{
		Use:   "decide [id]",
		Short: "approve or reject a pending approval",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				picked, err := pickPendingApproval()
				if err != nil {
					return err
				}
				id = picked
			}

			decision := ""
			switch {
			case approve && reject:
				return fmt.Errorf("--approve and --reject are mutually exclusive")
			case approve:
				decision = string(domain.DecisionApproved)
			case reject:
				decision = string(domain.DecisionRejected)
			default:
				prompt := promptui.Select{
					Label: "Decision for " + id,
					Items: []string{string(domain.DecisionApproved), string(domain.DecisionRejected)},
				}
				_, choice, err := prompt.Run()
				if err != nil {
					return err
				}
				decision = choice
			}

			var decided domain.Approval
			err := newClient().post("/api/approvals/"+url.PathEscape(id)+"/decision", map[string]any{
				"decision":   decision,
				"decided_by": currentUser(),
			}, &decided)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", bold(decided.ID), statusDecision(decided.Decision))
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve without prompting")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject without prompting")
	return cmd
}

func pickPendingApproval() (string, error) {
	approvals, err := fetchApprovals(true)
	if err != nil {
		return "", err
	}
	if len(approvals) == 0 {
		return "", fmt.Errorf("no pending approvals")
	}
	items := make([]string, len(approvals))
	for i, a := range approvals {
		items[i] = fmt.Sprintf("%s  %s/%s  %s", a.ID, a.Type, a.Level, truncate(a.Reason, 50))
	}
	prompt := promptui.Select{
		Label: "Pending approvals",
		Items: items,
		Size:  10,
	}
	index, _, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return approvals[index].ID, nil
}

func statusDecision(d domain.Decision) string {
	if d == domain.DecisionApproved {
		return green(string(d))
	}
	return red(string(d))
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "cli"
}
