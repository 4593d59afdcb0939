package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"otto/internal/domain"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status struct {
				UptimeSeconds int            `json:"uptime_seconds"`
				Tasks         map[string]int `json:"tasks"`
				Goals         int            `json:"goals"`
				ApprovalsOpen int            `json:"approvals_open"`
				Pool          struct {
					QueueLen int `json:"queue_len"`
					Workers  []struct {
						ID          string `json:"id"`
						Busy        bool   `json:"busy"`
						CurrentTask string `json:"current_task"`
					} `json:"workers"`
				} `json:"pool"`
			}
			if err := newClient().get("/api/status", &status); err != nil {
				return err
			}

			fmt.Printf("%s  up %s\n", bold("otto"), (time.Duration(status.UptimeSeconds) * time.Second).String())
			fmt.Printf("goals: %d  approvals open: %d\n", status.Goals, status.ApprovalsOpen)

			fmt.Print("tasks:")
			for _, s := range []string{"pending", "active", "blocked", "completed", "failed", "cancelled"} {
				if n := status.Tasks[s]; n > 0 {
					fmt.Printf("  %s %d", statusColor(s), n)
				}
			}
			fmt.Println()

			fmt.Printf("pool: %d workers, %d queued\n", len(status.Pool.Workers), status.Pool.QueueLen)
			for _, w := range status.Pool.Workers {
				if w.Busy {
					fmt.Printf("  %s %s %s\n", w.ID, cyan("busy"), gray(w.CurrentTask))
				} else {
					fmt.Printf("  %s %s\n", w.ID, gray("idle"))
				}
			}
			if status.ApprovalsOpen > 0 {
				fmt.Println(yellow("pending approvals: ") + "otto approval list")
			}
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		limit int
		act   string
		trace string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("limit", strconv.Itoa(limit))
			if act != "" {
				query.Set("act", act)
			}
			if trace != "" {
				query.Set("trace_id", trace)
			}
			var resp struct {
				Events []*domain.Event `json:"events"`
			}
			if err := newClient().get("/api/events?"+query.Encode(), &resp); err != nil {
				return err
			}
			// Tail returns newest first; print oldest first like a log.
			for i := len(resp.Events) - 1; i >= 0; i-- {
				e := resp.Events[i]
				line := fmt.Sprintf("%s %-10s %s", e.TS.Local().Format("15:04:05"), e.Actor, bold(e.Act))
				if e.TraceID != "" {
					line += gray(" " + e.TraceID)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 30, "number of events")
	cmd.Flags().StringVar(&act, "act", "", "filter by act")
	cmd.Flags().StringVar(&trace, "trace", "", "filter by trace id")
	return cmd
}
